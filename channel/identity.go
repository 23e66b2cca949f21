// Package channel provides ordered, heartbeat-monitored message
// delivery between the workflow engine and connected clients.
package channel

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrMissingUserID indicates a connection without the required
	// user_id parameter.
	ErrMissingUserID = errors.New("user_id parameter is required")

	// ErrMissingProjectID indicates a connection without the required
	// project_id parameter.
	ErrMissingProjectID = errors.New("project_id parameter is required")
)

// Identity scopes a connection to a user and project, optionally
// narrowed to a single workflow run. Connections without a workflow ID
// receive every message for the project.
type Identity struct {
	UserID     string
	ProjectID  string
	WorkflowID string
}

// Validate checks the required parameters are present.
func (id Identity) Validate() error {
	if id.UserID == "" {
		return ErrMissingUserID
	}
	if id.ProjectID == "" {
		return ErrMissingProjectID
	}
	return nil
}

// Key returns the identity's map key. One connection per key: a new
// connection with the same key replaces the old one.
func (id Identity) Key() string {
	return fmt.Sprintf("%s/%s/%s", id.UserID, id.ProjectID, id.WorkflowID)
}

// Matches reports whether messages for the given project and workflow
// should be delivered to this identity.
func (id Identity) Matches(projectID, workflowID string) bool {
	if id.ProjectID != projectID {
		return false
	}
	return id.WorkflowID == "" || workflowID == "" || id.WorkflowID == workflowID
}

// IdentityFromQuery extracts and validates a connection identity from
// URL query parameters.
func IdentityFromQuery(query url.Values) (Identity, error) {
	identity := Identity{
		UserID:     query.Get("user_id"),
		ProjectID:  query.Get("project_id"),
		WorkflowID: query.Get("workflow_id"),
	}
	if err := identity.Validate(); err != nil {
		return Identity{}, err
	}
	return identity, nil
}
