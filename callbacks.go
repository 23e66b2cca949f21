package simprep

import (
	"context"
	"time"
)

// Callbacks defines the callback interface for workflow execution events
type Callbacks interface {
	// OnStatusChange fires whenever a thread's status transitions.
	OnStatusChange(ctx context.Context, event *StatusChangeEvent)

	// OnStepComplete fires after a step finishes with a StepResult.
	OnStepComplete(ctx context.Context, event *StepCompleteEvent)

	// OnWorkflowError fires when a step fails or the run aborts.
	OnWorkflowError(ctx context.Context, event *WorkflowErrorEvent)

	// OnCheckpointCreated fires when a review checkpoint pauses the run.
	OnCheckpointCreated(ctx context.Context, event *CheckpointCreatedEvent)
}

// StatusChangeEvent provides context for thread status transitions
type StatusChangeEvent struct {
	ThreadID        string
	WorkflowID      string
	ProjectID       string
	Status          Status
	CurrentStep     string
	CompletedSteps  []string
	ProgressPercent int
	Timestamp       time.Time
}

// StepCompleteEvent provides context for completed step executions.
// Result carries the payload patch the step produced.
type StepCompleteEvent struct {
	ThreadID   string
	WorkflowID string
	ProjectID  string
	StepName   string
	NextStep   string
	Result     map[string]any
	Duration   time.Duration
	Timestamp  time.Time
}

// WorkflowErrorEvent provides context for step and workflow failures
type WorkflowErrorEvent struct {
	ThreadID   string
	WorkflowID string
	ProjectID  string
	StepName   string
	Message    string
	Fatal      bool
	Timestamp  time.Time
}

// CheckpointCreatedEvent provides context for review checkpoint creation
type CheckpointCreatedEvent struct {
	ThreadID        string
	WorkflowID      string
	ProjectID       string
	CheckpointID    string
	CheckpointType  string
	StepName        string
	Data            map[string]any
	Recommendations []string
	TimeoutAt       time.Time
	Timestamp       time.Time
}

// BaseCallbacks provides a default implementation that does nothing
type BaseCallbacks struct{}

func (n *BaseCallbacks) OnStatusChange(ctx context.Context, event *StatusChangeEvent) {
	// noop
}

func (n *BaseCallbacks) OnStepComplete(ctx context.Context, event *StepCompleteEvent) {
	// noop
}

func (n *BaseCallbacks) OnWorkflowError(ctx context.Context, event *WorkflowErrorEvent) {
	// noop
}

func (n *BaseCallbacks) OnCheckpointCreated(ctx context.Context, event *CheckpointCreatedEvent) {
	// noop
}

// NewBaseCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseCallbacks() Callbacks {
	return &BaseCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []Callbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) OnStatusChange(ctx context.Context, event *StatusChangeEvent) {
	for _, callback := range c.callbacks {
		callback.OnStatusChange(ctx, event)
	}
}

func (c *CallbackChain) OnStepComplete(ctx context.Context, event *StepCompleteEvent) {
	for _, callback := range c.callbacks {
		callback.OnStepComplete(ctx, event)
	}
}

func (c *CallbackChain) OnWorkflowError(ctx context.Context, event *WorkflowErrorEvent) {
	for _, callback := range c.callbacks {
		callback.OnWorkflowError(ctx, event)
	}
}

func (c *CallbackChain) OnCheckpointCreated(ctx context.Context, event *CheckpointCreatedEvent) {
	for _, callback := range c.callbacks {
		callback.OnCheckpointCreated(ctx, event)
	}
}
