package simprep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ensimu-ai/simprep/store"
	"github.com/ensimu-ai/simprep/wire"
	"go.jetify.com/typeid"
)

// NewCheckpointID returns a new prefixed UUID for review checkpoints
func NewCheckpointID() string {
	id, err := typeid.WithPrefix("hitl")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// TimeoutPolicy controls what happens to a workflow when a pending
// review checkpoint times out.
type TimeoutPolicy string

const (
	// TimeoutFail fails the workflow when a review times out.
	TimeoutFail TimeoutPolicy = "fail"

	// TimeoutResume treats a timed-out review as an approval and
	// resumes the workflow.
	TimeoutResume TimeoutPolicy = "resume"
)

// HITLOptions configures a new HITLManager.
type HITLOptions struct {
	Store          store.Store
	Logger         *slog.Logger
	Metrics        *Metrics
	Publisher      Publisher
	DefaultTimeout time.Duration
	TimeoutPolicy  TimeoutPolicy
	Now            func() time.Time
}

// HITLManager owns the lifecycle of human-in-the-loop review
// checkpoints: creation when a step pauses, resolution when a reviewer
// responds, and expiry when nobody does. Resolution is atomic against
// the store, so concurrent responses to the same checkpoint cannot
// both win.
type HITLManager struct {
	store      store.Store
	logger     *slog.Logger
	metrics    *Metrics
	publisher  Publisher
	timeout    time.Duration
	policy     TimeoutPolicy
	now        func() time.Time
	onResolved func(ctx context.Context, threadID string) error
}

// NewHITLManager creates a manager over the given store.
func NewHITLManager(opts HITLOptions) (*HITLManager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = NewLogger()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultHITLTimeout
	}
	if opts.TimeoutPolicy == "" {
		opts.TimeoutPolicy = TimeoutFail
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &HITLManager{
		store:     opts.Store,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		publisher: opts.Publisher,
		timeout:   opts.DefaultTimeout,
		policy:    opts.TimeoutPolicy,
		now:       opts.Now,
	}, nil
}

// SetResumeHook registers the function invoked after a checkpoint is
// resolved, normally the engine's Resume. Must be called before the
// manager handles responses.
func (m *HITLManager) SetResumeHook(fn func(ctx context.Context, threadID string) error) {
	m.onResolved = fn
}

// Create opens a pending review checkpoint for the thread. Returns
// ErrDuplicatePending if the thread already has one awaiting a
// response.
func (m *HITLManager) Create(ctx context.Context, thread *Thread, review NeedsReview) (*store.ReviewRecord, error) {
	timeout := review.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	now := m.now().UTC()
	record := &store.ReviewRecord{
		CheckpointID:    NewCheckpointID(),
		ThreadID:        thread.ThreadID,
		CheckpointType:  review.CheckpointType,
		Status:          store.ReviewPending,
		Recommendations: append([]string(nil), review.Recommendations...),
		Data:            copyMap(review.Data),
		CreatedAt:       now,
		TimeoutAt:       now.Add(timeout),
	}
	if err := m.store.CreateReview(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicatePending) {
			return nil, fmt.Errorf("%w: thread %q", ErrDuplicatePending, thread.ThreadID)
		}
		return nil, fmt.Errorf("unable to create review checkpoint: %w", err)
	}
	m.metrics.ReviewOpened()
	m.logger.Info("review checkpoint created",
		"checkpoint_id", record.CheckpointID,
		"thread_id", thread.ThreadID,
		"checkpoint_type", record.CheckpointType,
		"timeout_at", record.TimeoutAt)
	return record, nil
}

// HITLResponse is a reviewer decision decoded from a
// hitl_response_submitted message.
type HITLResponse struct {
	CheckpointID string
	Approved     bool
	Feedback     string
}

// ParseHITLResponse decodes the data of a hitl_response_submitted
// message, shaped {checkpoint_id, response_data: {approved, feedback}}.
// A missing checkpoint_id, response_data, or approved flag is an error:
// guessing a default for approved would let a malformed approval resolve
// a review gate the wrong way.
func ParseHITLResponse(data map[string]any) (HITLResponse, error) {
	checkpointID, _ := data["checkpoint_id"].(string)
	if checkpointID == "" {
		return HITLResponse{}, fmt.Errorf("checkpoint_id is required")
	}
	responseData, ok := data["response_data"].(map[string]any)
	if !ok {
		return HITLResponse{}, fmt.Errorf("response_data object is required")
	}
	approved, ok := responseData["approved"].(bool)
	if !ok {
		return HITLResponse{}, fmt.Errorf("response_data.approved must be a boolean")
	}
	feedback, _ := responseData["feedback"].(string)
	return HITLResponse{
		CheckpointID: checkpointID,
		Approved:     approved,
		Feedback:     feedback,
	}, nil
}

// Respond resolves a pending checkpoint with a reviewer decision, folds
// the decision into the thread payload, and resumes the workflow.
// Returns the thread ID so callers can correlate the resumed run.
func (m *HITLManager) Respond(ctx context.Context, checkpointID string, approved bool, feedback string) (string, error) {
	status := store.ReviewApproved
	if !approved {
		status = store.ReviewRejected
	}
	record, err := m.resolve(ctx, checkpointID, status, feedback)
	if err != nil {
		return "", err
	}

	thread, err := m.recordResponse(ctx, record, approved, feedback)
	if err != nil {
		return record.ThreadID, err
	}

	if m.publisher != nil {
		m.publisher.Publish(thread.ProjectID, thread.WorkflowID, wire.Encode(wire.TypeHITLResponseSubmitted, map[string]any{
			"checkpoint_id": checkpointID,
			"thread_id":     thread.ThreadID,
			"workflow_id":   thread.WorkflowID,
			"response_data": map[string]any{
				"approved": approved,
				"feedback": feedback,
			},
		}))
	}

	if m.onResolved != nil {
		if err := m.onResolved(ctx, record.ThreadID); err != nil {
			return record.ThreadID, err
		}
	}
	return record.ThreadID, nil
}

// Expire resolves a single overdue checkpoint according to the timeout
// policy. Returns ErrNotExpired if the checkpoint's deadline has not
// passed.
func (m *HITLManager) Expire(ctx context.Context, checkpointID string) error {
	record, err := m.store.GetReview(ctx, checkpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrCheckpointNotFound, checkpointID)
		}
		return err
	}
	if record.Status != store.ReviewPending {
		return fmt.Errorf("%w: %q", ErrAlreadyResolved, checkpointID)
	}
	if record.TimeoutAt.IsZero() || m.now().UTC().Before(record.TimeoutAt) {
		return fmt.Errorf("%w: %q", ErrNotExpired, checkpointID)
	}

	record, err = m.resolve(ctx, checkpointID, store.ReviewTimedOut, "review timed out")
	if err != nil {
		return err
	}
	m.logger.Warn("review checkpoint timed out",
		"checkpoint_id", checkpointID,
		"thread_id", record.ThreadID,
		"policy", string(m.policy))

	switch m.policy {
	case TimeoutResume:
		if _, err := m.recordResponse(ctx, record, true, "review timed out"); err != nil {
			return err
		}
		if m.onResolved != nil {
			return m.onResolved(ctx, record.ThreadID)
		}
		return nil
	default:
		return m.failThread(ctx, record)
	}
}

// ExpireOverdue resolves every pending checkpoint whose deadline has
// passed. Returns the number successfully expired; individual expiry
// failures are logged and do not stop the sweep.
func (m *HITLManager) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := m.store.ExpiredReviews(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("unable to list expired reviews: %w", err)
	}
	expired := 0
	for _, record := range overdue {
		if err := m.Expire(ctx, record.CheckpointID); err != nil {
			m.logger.Error("unable to expire review checkpoint",
				"checkpoint_id", record.CheckpointID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// Pending returns the thread's pending checkpoint, if any.
func (m *HITLManager) Pending(ctx context.Context, threadID string) (*store.ReviewRecord, error) {
	record, err := m.store.PendingReview(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no pending checkpoint for thread %q", ErrCheckpointNotFound, threadID)
		}
		return nil, err
	}
	return record, nil
}

func (m *HITLManager) resolve(ctx context.Context, checkpointID, status, feedback string) (*store.ReviewRecord, error) {
	record, err := m.store.ResolveReview(ctx, checkpointID, status, feedback, m.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: %q", ErrCheckpointNotFound, checkpointID)
		case errors.Is(err, store.ErrAlreadyResolved):
			return nil, fmt.Errorf("%w: %q", ErrAlreadyResolved, checkpointID)
		default:
			return nil, fmt.Errorf("unable to resolve review checkpoint: %w", err)
		}
	}
	m.metrics.ReviewClosed()
	return record, nil
}

// recordResponse folds the reviewer decision into the thread payload
// via a new checkpoint so the resumed step can see it. Rejections also
// consume one iteration of the revision budget.
func (m *HITLManager) recordResponse(ctx context.Context, record *store.ReviewRecord, approved bool, feedback string) (*Thread, error) {
	thread, err := loadThread(ctx, m.store, record.ThreadID)
	if err != nil {
		return nil, err
	}
	thread.Payload["hitl_response"] = map[string]any{
		"approved":        approved,
		"feedback":        feedback,
		"checkpoint_id":   record.CheckpointID,
		"checkpoint_type": record.CheckpointType,
		"data":            record.Data,
	}
	if !approved {
		thread.IterationCount++
	}
	thread.UpdatedAt = m.now().UTC()
	if _, err := saveThread(ctx, m.store, thread); err != nil {
		return nil, err
	}
	m.metrics.CheckpointSaved()
	return thread, nil
}

// failThread marks the thread failed after an unanswered review.
func (m *HITLManager) failThread(ctx context.Context, record *store.ReviewRecord) error {
	thread, err := loadThread(ctx, m.store, record.ThreadID)
	if err != nil {
		return err
	}
	if thread.Status.Terminal() {
		return nil
	}
	now := m.now().UTC()
	thread.Status = StatusFailed
	thread.Errors = append(thread.Errors, ThreadEvent{
		Step:      thread.CurrentStep,
		Message:   fmt.Sprintf("review checkpoint %s timed out", record.CheckpointID),
		Timestamp: now,
	})
	thread.UpdatedAt = now
	if _, err := saveThread(ctx, m.store, thread); err != nil {
		return err
	}
	m.metrics.CheckpointSaved()
	m.metrics.WorkflowFinished(StatusFailed)
	if m.publisher != nil {
		m.publisher.Publish(thread.ProjectID, thread.WorkflowID, wire.Encode(wire.TypeWorkflowError, map[string]any{
			"thread_id":     thread.ThreadID,
			"workflow_id":   thread.WorkflowID,
			"failed_step":   thread.CurrentStep,
			"error_message": "review checkpoint timed out",
			"fatal":         true,
		}))
	}
	return nil
}
