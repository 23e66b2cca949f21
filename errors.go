package simprep

import "errors"

var (
	// ErrThreadNotFound indicates no checkpoint exists for the thread ID.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrWorkflowTerminal indicates an operation was attempted on a
	// completed or failed workflow.
	ErrWorkflowTerminal = errors.New("workflow is in a terminal state")

	// ErrInvalidResumeState indicates a resume was attempted on a thread
	// that is not paused for review.
	ErrInvalidResumeState = errors.New("workflow is not paused for review")

	// ErrUnregisteredStep indicates a pipeline references a step name
	// with no registered executor.
	ErrUnregisteredStep = errors.New("no executor registered for step")

	// ErrIterationLimitExceeded indicates a step was revisited more times
	// than the pipeline's iteration budget allows.
	ErrIterationLimitExceeded = errors.New("iteration limit exceeded")

	// ErrCheckpointNotFound indicates the referenced review checkpoint
	// does not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrAlreadyResolved indicates a response was submitted for a review
	// checkpoint that is no longer pending.
	ErrAlreadyResolved = errors.New("checkpoint already resolved")

	// ErrDuplicatePending indicates a thread already has a pending review
	// checkpoint awaiting a response.
	ErrDuplicatePending = errors.New("thread already has a pending checkpoint")

	// ErrNotExpired indicates an expiry was requested on a checkpoint
	// whose timeout has not elapsed.
	ErrNotExpired = errors.New("checkpoint has not timed out")
)
