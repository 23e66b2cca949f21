// Package store provides durable persistence for workflow thread checkpoints
// and human-review checkpoint records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested thread, sequence number, or
	// checkpoint record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates the backing store could not be reached or the
	// write could not be committed. Callers must treat the operation as not
	// having happened.
	ErrUnavailable = errors.New("store unavailable")

	// ErrDuplicatePending is returned by CreateReview when the thread already
	// has a pending review record.
	ErrDuplicatePending = errors.New("thread already has a pending review")

	// ErrAlreadyResolved is returned by ResolveReview when the record is no
	// longer pending.
	ErrAlreadyResolved = errors.New("review already resolved")
)

// Review statuses.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
	ReviewTimedOut = "timed_out"
)

// Checkpoint is an immutable snapshot of a workflow thread at a step
// boundary. State is the serialized thread; the store treats it as opaque.
type Checkpoint struct {
	ThreadID  string          `json:"thread_id"`
	Seq       int             `json:"step_sequence_number"`
	State     json.RawMessage `json:"state_snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}

// ReviewRecord is a pending or resolved human-review gate.
type ReviewRecord struct {
	CheckpointID    string         `json:"checkpoint_id"`
	ThreadID        string         `json:"thread_id"`
	CheckpointType  string         `json:"checkpoint_type"`
	Status          string         `json:"status"`
	Recommendations []string       `json:"agent_recommendations"`
	Data            map[string]any `json:"checkpoint_data"`
	Feedback        string         `json:"reviewer_feedback,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	TimeoutAt       time.Time      `json:"timeout_at,omitzero"`
	ResolvedAt      time.Time      `json:"resolved_at,omitzero"`
}

// Copy returns a shallow copy of the record with its own slices and maps.
func (r *ReviewRecord) Copy() *ReviewRecord {
	out := *r
	out.Recommendations = append([]string(nil), r.Recommendations...)
	out.Data = make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		out.Data[k] = v
	}
	return &out
}

// CheckpointStore persists thread snapshots addressable by thread and step
// sequence. Checkpoints are append-only; Save never overwrites.
type CheckpointStore interface {
	// Save appends a checkpoint and returns its assigned sequence number.
	// Sequence numbers are monotonic per thread and start at 0. A failed
	// Save must not leave a partial checkpoint visible to LoadLatest.
	Save(ctx context.Context, threadID string, state json.RawMessage) (int, error)

	// LoadLatest returns the checkpoint with the highest sequence number for
	// the thread, or ErrNotFound.
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)

	// LoadAt returns the checkpoint at the given sequence number, or
	// ErrNotFound. Used for point-in-time recovery and debugging.
	LoadAt(ctx context.Context, threadID string, seq int) (*Checkpoint, error)
}

// ReviewStore persists human-review checkpoint records, keyed by checkpoint
// ID with lookup by thread. At most one pending record may exist per thread;
// implementations enforce this at creation time.
type ReviewStore interface {
	// CreateReview inserts a new pending record. Returns ErrDuplicatePending
	// if the thread already has a pending record.
	CreateReview(ctx context.Context, record *ReviewRecord) error

	// GetReview returns the record with the given checkpoint ID.
	GetReview(ctx context.Context, checkpointID string) (*ReviewRecord, error)

	// ResolveReview atomically transitions a pending record to the given
	// terminal status, stamping feedback and resolution time. Returns the
	// updated record, ErrNotFound for an unknown ID, or ErrAlreadyResolved
	// if the record is not pending.
	ResolveReview(ctx context.Context, checkpointID, status, feedback string, resolvedAt time.Time) (*ReviewRecord, error)

	// PendingReview returns the thread's pending record, or ErrNotFound.
	PendingReview(ctx context.Context, threadID string) (*ReviewRecord, error)

	// ExpiredReviews returns pending records whose timeout has passed.
	ExpiredReviews(ctx context.Context, now time.Time) ([]*ReviewRecord, error)
}

// Store combines checkpoint and review persistence. The sqlite and postgres
// implementations satisfy it with a single database; MemoryStore serves
// tests and development.
type Store interface {
	CheckpointStore
	ReviewStore
}
