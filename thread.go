package simprep

import (
	"time"

	"go.jetify.com/typeid"
)

// NewThreadID returns a new prefixed UUID for thread identification
func NewThreadID() string {
	id, err := typeid.WithPrefix("thr")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Status represents the lifecycle state of a workflow thread
type Status string

const (
	StatusRunning         Status = "running"
	StatusPausedForReview Status = "paused_for_review"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ThreadEvent records an error or warning raised during step execution.
type ThreadEvent struct {
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Thread is the full state of one workflow run. It is the unit of
// checkpointing: the engine serializes the whole struct after every
// state transition. It is designed to be fully JSON serializable.
type Thread struct {
	ThreadID        string         `json:"thread_id"`
	WorkflowID      string         `json:"workflow_id"`
	ProjectID       string         `json:"project_id"`
	PipelineName    string         `json:"pipeline_name"`
	CurrentStep     string         `json:"current_step"`
	CompletedSteps  []string       `json:"completed_steps"`
	Status          Status         `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	Payload         map[string]any `json:"payload"`
	IterationCount  int            `json:"iteration_count"`
	MaxIterations   int            `json:"max_iterations"`
	Errors          []ThreadEvent  `json:"errors,omitempty"`
	Warnings        []ThreadEvent  `json:"warnings,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Copy returns a copy of the thread safe to hand to callers.
func (t *Thread) Copy() *Thread {
	return &Thread{
		ThreadID:        t.ThreadID,
		WorkflowID:      t.WorkflowID,
		ProjectID:       t.ProjectID,
		PipelineName:    t.PipelineName,
		CurrentStep:     t.CurrentStep,
		CompletedSteps:  append([]string(nil), t.CompletedSteps...),
		Status:          t.Status,
		ProgressPercent: t.ProgressPercent,
		Payload:         copyMap(t.Payload),
		IterationCount:  t.IterationCount,
		MaxIterations:   t.MaxIterations,
		Errors:          append([]ThreadEvent(nil), t.Errors...),
		Warnings:        append([]ThreadEvent(nil), t.Warnings...),
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// Occurrences counts how many times the named step appears in the
// completed list. Used to detect revision loops that revisit a step.
func (t *Thread) Occurrences(step string) int {
	count := 0
	for _, s := range t.CompletedSteps {
		if s == step {
			count++
		}
	}
	return count
}

// Summary is a read-only view of a thread suitable for status queries
// and status update messages.
type Summary struct {
	ThreadID        string   `json:"thread_id"`
	WorkflowID      string   `json:"workflow_id"`
	ProjectID       string   `json:"project_id"`
	Status          Status   `json:"status"`
	CurrentStep     string   `json:"current_step"`
	CompletedSteps  []string `json:"completed_steps"`
	ProgressPercent int      `json:"progress_percent"`
	IterationCount  int      `json:"iteration_count"`
	ErrorCount      int      `json:"error_count"`
	WarningCount    int      `json:"warning_count"`
}

// Summarize builds a Summary from the thread.
func (t *Thread) Summarize() *Summary {
	return &Summary{
		ThreadID:        t.ThreadID,
		WorkflowID:      t.WorkflowID,
		ProjectID:       t.ProjectID,
		Status:          t.Status,
		CurrentStep:     t.CurrentStep,
		CompletedSteps:  append([]string(nil), t.CompletedSteps...),
		ProgressPercent: t.ProgressPercent,
		IterationCount:  t.IterationCount,
		ErrorCount:      len(t.Errors),
		WarningCount:    len(t.Warnings),
	}
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	copy := make(map[string]any, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}
