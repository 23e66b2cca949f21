package simprep

import (
	"context"
	"time"
)

// StepLogEntry represents a single step execution log entry
type StepLogEntry struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	StepName  string         `json:"step_name"`
	Outcome   string         `json:"outcome"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartTime time.Time      `json:"start_time"`
	Duration  float64        `json:"duration"`
}

// StepLogger defines simple step audit logging interface
type StepLogger interface {
	// LogStep logs a completed step execution
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// GetStepHistory retrieves the step log for a thread
	GetStepHistory(ctx context.Context, threadID string) ([]*StepLogEntry, error)
}
