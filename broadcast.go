package simprep

import (
	"context"
	"time"

	"github.com/ensimu-ai/simprep/wire"
)

// Publisher delivers messages to every connection watching a project.
// Connections scoped to a specific workflow receive only messages
// carrying that workflow ID.
type Publisher interface {
	Publish(projectID, workflowID string, msg *wire.Message)
}

// Broadcaster turns engine callbacks into wire messages and hands them
// to a Publisher. Attach it to an engine via Options.Callbacks to push
// live progress to connected clients.
type Broadcaster struct {
	publisher Publisher
}

func NewBroadcaster(publisher Publisher) *Broadcaster {
	return &Broadcaster{publisher: publisher}
}

func (b *Broadcaster) OnStatusChange(ctx context.Context, event *StatusChangeEvent) {
	b.publisher.Publish(event.ProjectID, event.WorkflowID, wire.Encode(wire.TypeWorkflowStatusUpdate, map[string]any{
		"thread_id":       event.ThreadID,
		"workflow_id":     event.WorkflowID,
		"status":          string(event.Status),
		"current_step":    event.CurrentStep,
		"completed_steps": event.CompletedSteps,
		"progress":        event.ProgressPercent,
	}))
}

func (b *Broadcaster) OnStepComplete(ctx context.Context, event *StepCompleteEvent) {
	b.publisher.Publish(event.ProjectID, event.WorkflowID, wire.Encode(wire.TypeWorkflowStepComplete, map[string]any{
		"thread_id":   event.ThreadID,
		"workflow_id": event.WorkflowID,
		"step_name":   event.StepName,
		"next_step":   event.NextStep,
		"result":      event.Result,
		"duration_ms": event.Duration.Milliseconds(),
	}))
}

func (b *Broadcaster) OnWorkflowError(ctx context.Context, event *WorkflowErrorEvent) {
	b.publisher.Publish(event.ProjectID, event.WorkflowID, wire.Encode(wire.TypeWorkflowError, map[string]any{
		"thread_id":     event.ThreadID,
		"workflow_id":   event.WorkflowID,
		"failed_step":   event.StepName,
		"error_message": event.Message,
		"fatal":         event.Fatal,
	}))
}

func (b *Broadcaster) OnCheckpointCreated(ctx context.Context, event *CheckpointCreatedEvent) {
	data := map[string]any{
		"checkpoint_id":   event.CheckpointID,
		"thread_id":       event.ThreadID,
		"workflow_id":     event.WorkflowID,
		"checkpoint_type": event.CheckpointType,
		"step":            event.StepName,
		"checkpoint_data": event.Data,
		"recommendations": event.Recommendations,
	}
	if !event.TimeoutAt.IsZero() {
		data["timeout_at"] = event.TimeoutAt.UTC().Format(time.RFC3339Nano)
	}
	b.publisher.Publish(event.ProjectID, event.WorkflowID, wire.Encode(wire.TypeHITLCheckpointCreated, data))

	// Reviewers get a separate prompt so clients can distinguish the
	// audit record from the action request.
	b.publisher.Publish(event.ProjectID, event.WorkflowID, wire.Encode(wire.TypeHITLResponseRequired, map[string]any{
		"checkpoint_id":   event.CheckpointID,
		"thread_id":       event.ThreadID,
		"workflow_id":     event.WorkflowID,
		"checkpoint_type": event.CheckpointType,
		"recommendations": event.Recommendations,
	}))
}
