package simprep

import (
	"context"
	"testing"
	"time"

	"github.com/ensimu-ai/simprep/wire"
	"github.com/stretchr/testify/require"
)

type capturingPublisher struct {
	messages []*wire.Message
}

func (p *capturingPublisher) Publish(projectID, workflowID string, msg *wire.Message) {
	p.messages = append(p.messages, msg)
}

func (p *capturingPublisher) last() *wire.Message {
	return p.messages[len(p.messages)-1]
}

func TestBroadcasterStatusUpdateFields(t *testing.T) {
	pub := &capturingPublisher{}
	b := NewBroadcaster(pub)

	b.OnStatusChange(context.Background(), &StatusChangeEvent{
		ThreadID:        "thr_123",
		WorkflowID:      "wf_123",
		ProjectID:       "proj-1",
		Status:          StatusRunning,
		CurrentStep:     "mesh_generation",
		CompletedSteps:  []string{"geometry_import"},
		ProgressPercent: 33,
	})

	require.Len(t, pub.messages, 1)
	msg := pub.last()
	require.Equal(t, wire.TypeWorkflowStatusUpdate, msg.Type)
	require.Equal(t, "wf_123", msg.Data["workflow_id"])
	require.Equal(t, "running", msg.Data["status"])
	require.Equal(t, "mesh_generation", msg.Data["current_step"])
	require.Equal(t, 33, msg.Data["progress"])
	require.NotContains(t, msg.Data, "progress_percent")
}

func TestBroadcasterStepCompleteFields(t *testing.T) {
	pub := &capturingPublisher{}
	b := NewBroadcaster(pub)

	b.OnStepComplete(context.Background(), &StepCompleteEvent{
		ThreadID:   "thr_123",
		WorkflowID: "wf_123",
		StepName:   "mesh_generation",
		NextStep:   "physics_setup",
		Result:     map[string]any{"mesh_proposal": map[string]any{"element_type": "tetrahedral"}},
		Duration:   250 * time.Millisecond,
	})

	msg := pub.last()
	require.Equal(t, wire.TypeWorkflowStepComplete, msg.Type)
	require.Equal(t, "mesh_generation", msg.Data["step_name"])
	require.Equal(t, map[string]any{"mesh_proposal": map[string]any{"element_type": "tetrahedral"}}, msg.Data["result"])
	require.NotContains(t, msg.Data, "step")
}

func TestBroadcasterWorkflowErrorFields(t *testing.T) {
	pub := &capturingPublisher{}
	b := NewBroadcaster(pub)

	b.OnWorkflowError(context.Background(), &WorkflowErrorEvent{
		ThreadID:   "thr_123",
		WorkflowID: "wf_123",
		StepName:   "geometry_import",
		Message:    "no CAD files supplied",
		Fatal:      true,
	})

	msg := pub.last()
	require.Equal(t, wire.TypeWorkflowError, msg.Type)
	require.Equal(t, "geometry_import", msg.Data["failed_step"])
	require.Equal(t, "no CAD files supplied", msg.Data["error_message"])
	require.NotContains(t, msg.Data, "message")
}

func TestBroadcasterCheckpointCreatedFields(t *testing.T) {
	pub := &capturingPublisher{}
	b := NewBroadcaster(pub)

	b.OnCheckpointCreated(context.Background(), &CheckpointCreatedEvent{
		ThreadID:       "thr_123",
		WorkflowID:     "wf_123",
		CheckpointID:   "hitl_123",
		CheckpointType: "mesh_approval",
		StepName:       "mesh_generation",
		Data:           map[string]any{"element_count": 120000},
	})

	// Checkpoint creation publishes the audit record plus the reviewer
	// prompt.
	require.Len(t, pub.messages, 2)
	created := pub.messages[0]
	require.Equal(t, wire.TypeHITLCheckpointCreated, created.Type)
	require.Equal(t, "hitl_123", created.Data["checkpoint_id"])
	require.Equal(t, map[string]any{"element_count": 120000}, created.Data["checkpoint_data"])
	require.NotContains(t, created.Data, "data")
	require.Equal(t, wire.TypeHITLResponseRequired, pub.messages[1].Type)
}
