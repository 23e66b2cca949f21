package simprep

import (
	"context"
	"time"
)

// Outcome is the tagged result of one step execution. Exactly one of the
// concrete types below is returned: StepResult to advance, NeedsReview to
// pause for a human decision, or StepFailure to fail the workflow.
type Outcome interface {
	stepOutcome()
}

// StepResult advances the workflow. NextStep overrides the pipeline's
// default ordering when set; PayloadPatch is merged into the thread
// payload before the next step runs.
type StepResult struct {
	NextStep     string
	PayloadPatch map[string]any
}

func (StepResult) stepOutcome() {}

// NeedsReview pauses the workflow for a human decision. Data and
// Recommendations are surfaced to reviewers; Timeout overrides the
// engine's default review timeout when positive.
type NeedsReview struct {
	CheckpointType  string
	Data            map[string]any
	Recommendations []string
	Timeout         time.Duration
}

func (NeedsReview) stepOutcome() {}

// StepFailure fails the workflow with a domain reason. Unlike an error
// return, it indicates the step itself ran and decided the run cannot
// continue.
type StepFailure struct {
	Reason string
}

func (StepFailure) stepOutcome() {}

// Executor runs one named step of a pipeline. Implementations receive a
// copy of the thread payload and must not retain it past the call.
type Executor interface {
	Name() string
	Execute(ctx context.Context, payload map[string]any) (Outcome, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc struct {
	StepName string
	Func     func(ctx context.Context, payload map[string]any) (Outcome, error)
}

func (f *ExecutorFunc) Name() string {
	return f.StepName
}

func (f *ExecutorFunc) Execute(ctx context.Context, payload map[string]any) (Outcome, error) {
	return f.Func(ctx, payload)
}
