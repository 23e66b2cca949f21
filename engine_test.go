package simprep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ensimu-ai/simprep/store"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPipeline(t *testing.T, maxIterations int) *Pipeline {
	t.Helper()
	pipeline, err := NewPipeline(PipelineOptions{
		Name: "test",
		Steps: []*StepSpec{
			{Name: "prepare"},
			{Name: "review_gate"},
			{Name: "finalize"},
		},
		MaxIterations: maxIterations,
	})
	require.NoError(t, err)
	return pipeline
}

func passthrough(name string) *ExecutorFunc {
	return &ExecutorFunc{
		StepName: name,
		Func: func(ctx context.Context, payload map[string]any) (Outcome, error) {
			return StepResult{PayloadPatch: map[string]any{name + "_done": true}}, nil
		},
	}
}

// reviewGate pauses for review until approved, then advances.
func reviewGate() *ExecutorFunc {
	return &ExecutorFunc{
		StepName: "review_gate",
		Func: func(ctx context.Context, payload map[string]any) (Outcome, error) {
			response, ok := payload["hitl_response"].(map[string]any)
			if !ok {
				return NeedsReview{
					CheckpointType:  "gate_review",
					Data:            map[string]any{"proposal": "v1"},
					Recommendations: []string{"Looks reasonable"},
				}, nil
			}
			if approved, _ := response["approved"].(bool); approved {
				return StepResult{PayloadPatch: map[string]any{
					"review_feedback": response["feedback"],
				}}, nil
			}
			return NeedsReview{
				CheckpointType: "gate_review",
				Data:           map[string]any{"proposal": "revised"},
			}, nil
		},
	}
}

func newTestEngine(t *testing.T, st store.Store, pipeline *Pipeline, executors ...Executor) *Engine {
	t.Helper()
	registry := NewRegistry()
	for _, executor := range executors {
		require.NoError(t, registry.Register(executor))
	}
	engine, err := NewEngine(Options{
		Pipeline: pipeline,
		Registry: registry,
		Store:    st,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	return engine
}

func TestEngineRequiresStore(t *testing.T) {
	_, err := NewEngine(Options{Registry: NewRegistry()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "store")
}

func TestEngineRejectsUnregisteredSteps(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(passthrough("prepare")))
	_, err := NewEngine(Options{
		Pipeline: testPipeline(t, 3),
		Registry: registry,
		Store:    store.NewMemoryStore(),
		Logger:   quietLogger(),
	})
	require.ErrorIs(t, err, ErrUnregisteredStep)
}

func TestEngineLinearRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	engine := newTestEngine(t, st, testPipeline(t, 3),
		passthrough("prepare"), passthrough("review_gate"), passthrough("finalize"))

	threadID, err := engine.Start(ctx, "proj_1", map[string]any{"input": "geometry.step"})
	require.NoError(t, err)
	require.NotEmpty(t, threadID)

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, summary.Status)
	require.Equal(t, 100, summary.ProgressPercent)
	require.Equal(t, []string{"prepare", "review_gate", "finalize"}, summary.CompletedSteps)

	// One checkpoint per transition: initial plus one per completed step.
	latest, err := st.LoadLatest(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, 3, latest.Seq)

	initial, err := st.LoadAt(ctx, threadID, 0)
	require.NoError(t, err)
	require.Contains(t, string(initial.State), "running")
}

func TestEnginePayloadFlowsBetweenSteps(t *testing.T) {
	ctx := context.Background()
	seen := map[string]any{}
	inspect := &ExecutorFunc{
		StepName: "finalize",
		Func: func(ctx context.Context, payload map[string]any) (Outcome, error) {
			seen = payload
			return StepResult{}, nil
		},
	}
	engine := newTestEngine(t, store.NewMemoryStore(), testPipeline(t, 3),
		passthrough("prepare"), passthrough("review_gate"), inspect)

	_, err := engine.Start(ctx, "proj_1", map[string]any{"input": "bracket.step"})
	require.NoError(t, err)
	require.Equal(t, "bracket.step", seen["input"])
	require.Equal(t, true, seen["prepare_done"])
	require.Equal(t, true, seen["review_gate_done"])
}

func TestEnginePauseAndResume(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	engine := newTestEngine(t, st, testPipeline(t, 3),
		passthrough("prepare"), reviewGate(), passthrough("finalize"))

	threadID, err := engine.Start(ctx, "proj_1", nil)
	require.NoError(t, err)

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusPausedForReview, summary.Status)
	require.Equal(t, "review_gate", summary.CurrentStep)
	require.Equal(t, []string{"prepare"}, summary.CompletedSteps)
	// One of three steps done when the gate pauses the run.
	require.Equal(t, 33, summary.ProgressPercent)

	pending, err := engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, "gate_review", pending.CheckpointType)
	require.Equal(t, map[string]any{"proposal": "v1"}, pending.Data)

	// Approving resumes the workflow through to completion.
	respondedThread, err := engine.HITL().Respond(ctx, pending.CheckpointID, true, "ship it")
	require.NoError(t, err)
	require.Equal(t, threadID, respondedThread)

	summary, err = engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, summary.Status)
	require.Equal(t, 100, summary.ProgressPercent)

	// The reviewer feedback reached the resumed step.
	thread, err := loadThread(ctx, st, threadID)
	require.NoError(t, err)
	require.Equal(t, "ship it", thread.Payload["review_feedback"])
	// The consumed response does not leak into later steps.
	require.NotContains(t, thread.Payload, "hitl_response")
}

func TestEngineRejectionCycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	engine := newTestEngine(t, st, testPipeline(t, 3),
		passthrough("prepare"), reviewGate(), passthrough("finalize"))

	threadID, err := engine.Start(ctx, "proj_1", nil)
	require.NoError(t, err)

	pending, err := engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)

	// Rejection re-runs the step, which submits a revised proposal.
	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, false, "refine the proposal")
	require.NoError(t, err)

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusPausedForReview, summary.Status)
	require.Equal(t, 1, summary.IterationCount)

	revised, err := engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	require.NotEqual(t, pending.CheckpointID, revised.CheckpointID)
	require.Equal(t, map[string]any{"proposal": "revised"}, revised.Data)

	_, err = engine.HITL().Respond(ctx, revised.CheckpointID, true, "")
	require.NoError(t, err)

	summary, err = engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, summary.Status)
}

func TestEngineIterationLimit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	engine := newTestEngine(t, st, testPipeline(t, 2),
		passthrough("prepare"), reviewGate(), passthrough("finalize"))

	threadID, err := engine.Start(ctx, "proj_1", nil)
	require.NoError(t, err)

	// First rejection consumes one iteration and pauses again.
	pending, err := engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, false, "no")
	require.NoError(t, err)

	// Second rejection exhausts the budget: the resume fails the run.
	pending, err = engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, false, "still no")
	require.ErrorIs(t, err, ErrIterationLimitExceeded)

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, summary.Status)
	require.Equal(t, 1, summary.ErrorCount)
}

func TestEngineResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	engine := newTestEngine(t, st, testPipeline(t, 3),
		passthrough("prepare"), reviewGate(), passthrough("finalize"))

	threadID, err := engine.Start(ctx, "proj_1", map[string]any{"input": "housing.step"})
	require.NoError(t, err)

	pending, err := engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)

	// A fresh engine over the same store picks the thread up from its
	// last checkpoint, as after a process restart.
	restarted := newTestEngine(t, st, testPipeline(t, 3),
		passthrough("prepare"), reviewGate(), passthrough("finalize"))

	_, err = restarted.HITL().Respond(ctx, pending.CheckpointID, true, "")
	require.NoError(t, err)

	summary, err := restarted.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, summary.Status)
	require.Equal(t, []string{"prepare", "review_gate", "finalize"}, summary.CompletedSteps)
}

func TestEngineStepFailure(t *testing.T) {
	ctx := context.Background()
	failing := &ExecutorFunc{
		StepName: "review_gate",
		Func: func(ctx context.Context, payload map[string]any) (Outcome, error) {
			return StepFailure{Reason: "solver license unavailable"}, nil
		},
	}
	engine := newTestEngine(t, store.NewMemoryStore(), testPipeline(t, 3),
		passthrough("prepare"), failing, passthrough("finalize"))

	threadID, err := engine.Start(ctx, "proj_1", nil)
	require.NoError(t, err) // domain failure is not an engine error

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, summary.Status)
	require.Equal(t, 1, summary.ErrorCount)
}

func TestEngineExecutorErrorFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	broken := &ExecutorFunc{
		StepName: "review_gate",
		Func: func(ctx context.Context, payload map[string]any) (Outcome, error) {
			return nil, errors.New("mesh kernel crashed")
		},
	}
	engine := newTestEngine(t, store.NewMemoryStore(), testPipeline(t, 3),
		passthrough("prepare"), broken, passthrough("finalize"))

	threadID, err := engine.Start(ctx, "proj_1", nil)
	require.NoError(t, err)

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, summary.Status)
}

func TestEngineResumeValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	engine := newTestEngine(t, st, testPipeline(t, 3),
		passthrough("prepare"), passthrough("review_gate"), passthrough("finalize"))

	require.ErrorIs(t, engine.Resume(ctx, "thr_missing"), ErrThreadNotFound)

	threadID, err := engine.Start(ctx, "proj_1", nil)
	require.NoError(t, err)

	// Completed threads cannot be resumed.
	require.ErrorIs(t, engine.Resume(ctx, threadID), ErrWorkflowTerminal)
}

func TestEngineCancel(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	engine := newTestEngine(t, st, testPipeline(t, 3),
		passthrough("prepare"), reviewGate(), passthrough("finalize"))

	threadID, err := engine.Start(ctx, "proj_1", nil)
	require.NoError(t, err)

	require.NoError(t, engine.Cancel(ctx, threadID, "project deleted"))

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, summary.Status)

	require.ErrorIs(t, engine.Cancel(ctx, threadID, "again"), ErrWorkflowTerminal)
}

func TestEngineConditionalSkip(t *testing.T) {
	ctx := context.Background()
	pipeline, err := NewPipeline(PipelineOptions{
		Name: "conditional",
		Steps: []*StepSpec{
			{Name: "prepare"},
			{Name: "review_gate", When: `payload["needs_review"]`},
			{Name: "finalize"},
		},
	})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	engine := newTestEngine(t, st, pipeline,
		passthrough("prepare"), reviewGate(), passthrough("finalize"))

	threadID, err := engine.Start(ctx, "proj_1", map[string]any{"needs_review": false})
	require.NoError(t, err)

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, summary.Status)
	require.Equal(t, 100, summary.ProgressPercent)
	require.Equal(t, []string{"prepare", "review_gate", "finalize"}, summary.CompletedSteps)
	require.Equal(t, 1, summary.WarningCount)

	// With the flag set the gate actually pauses.
	threadID, err = engine.Start(ctx, "proj_1", map[string]any{"needs_review": true})
	require.NoError(t, err)
	summary, err = engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, StatusPausedForReview, summary.Status)
}

func TestEngineCallbacks(t *testing.T) {
	ctx := context.Background()

	recorder := &recordingCallbacks{}
	registry := NewRegistry()
	require.NoError(t, registry.Register(passthrough("prepare")))
	require.NoError(t, registry.Register(reviewGate()))
	require.NoError(t, registry.Register(passthrough("finalize")))

	engine, err := NewEngine(Options{
		Pipeline:  testPipeline(t, 3),
		Registry:  registry,
		Store:     store.NewMemoryStore(),
		Logger:    quietLogger(),
		Callbacks: recorder,
	})
	require.NoError(t, err)

	threadID, err := engine.Start(ctx, "proj_1", nil)
	require.NoError(t, err)

	require.Equal(t, []string{"prepare"}, recorder.completedSteps)
	require.Len(t, recorder.checkpoints, 1)
	require.Equal(t, "gate_review", recorder.checkpoints[0].CheckpointType)
	require.Equal(t, "proj_1", recorder.checkpoints[0].ProjectID)

	pending, err := engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, true, "")
	require.NoError(t, err)

	require.Equal(t, []string{"prepare", "review_gate", "finalize"}, recorder.completedSteps)
	last := recorder.statuses[len(recorder.statuses)-1]
	require.Equal(t, StatusCompleted, last.Status)
}

type recordingCallbacks struct {
	BaseCallbacks
	statuses       []*StatusChangeEvent
	completedSteps []string
	checkpoints    []*CheckpointCreatedEvent
	errors         []*WorkflowErrorEvent
}

func (r *recordingCallbacks) OnStatusChange(ctx context.Context, event *StatusChangeEvent) {
	r.statuses = append(r.statuses, event)
}

func (r *recordingCallbacks) OnStepComplete(ctx context.Context, event *StepCompleteEvent) {
	r.completedSteps = append(r.completedSteps, event.StepName)
}

func (r *recordingCallbacks) OnCheckpointCreated(ctx context.Context, event *CheckpointCreatedEvent) {
	r.checkpoints = append(r.checkpoints, event)
}

func (r *recordingCallbacks) OnWorkflowError(ctx context.Context, event *WorkflowErrorEvent) {
	r.errors = append(r.errors, event)
}
