package simprep

import (
	"context"
	"testing"
	"time"

	"github.com/ensimu-ai/simprep/store"
	"github.com/stretchr/testify/require"
)

func TestFileStepLogger(t *testing.T) {
	ctx := context.Background()
	logger := NewFileStepLogger(t.TempDir())

	entries := []*StepLogEntry{
		{
			ID:        NewStepLogID(),
			ThreadID:  "thr_1",
			StepName:  "geometry_processing",
			Outcome:   "advanced",
			Payload:   map[string]any{"cad_files": []any{"bracket.step"}},
			StartTime: time.Now().UTC(),
			Duration:  0.25,
		},
		{
			ID:        NewStepLogID(),
			ThreadID:  "thr_1",
			StepName:  "mesh_generation",
			Outcome:   "paused",
			StartTime: time.Now().UTC(),
			Duration:  1.5,
		},
	}
	for _, entry := range entries {
		require.NoError(t, logger.LogStep(ctx, entry))
	}

	// A different thread's entries stay separate.
	require.NoError(t, logger.LogStep(ctx, &StepLogEntry{
		ID:       NewStepLogID(),
		ThreadID: "thr_2",
		StepName: "geometry_processing",
		Outcome:  "failed",
		Error:    "no CAD files supplied",
	}))

	history, err := logger.GetStepHistory(ctx, "thr_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "geometry_processing", history[0].StepName)
	require.Equal(t, "advanced", history[0].Outcome)
	require.Equal(t, "mesh_generation", history[1].StepName)

	other, err := logger.GetStepHistory(ctx, "thr_2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.Equal(t, "no CAD files supplied", other[0].Error)
}

func TestEngineWritesStepLog(t *testing.T) {
	ctx := context.Background()
	stepLogger := NewFileStepLogger(t.TempDir())

	registry := NewRegistry()
	require.NoError(t, registry.Register(passthrough("prepare")))
	require.NoError(t, registry.Register(passthrough("review_gate")))
	require.NoError(t, registry.Register(passthrough("finalize")))

	engine, err := NewEngine(Options{
		Pipeline:   testPipeline(t, 3),
		Registry:   registry,
		Store:      store.NewMemoryStore(),
		Logger:     quietLogger(),
		StepLogger: stepLogger,
	})
	require.NoError(t, err)

	threadID, err := engine.Start(ctx, "proj_1", nil)
	require.NoError(t, err)

	history, err := engine.StepHistory(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, step := range []string{"prepare", "review_gate", "finalize"} {
		require.Equal(t, step, history[i].StepName)
		require.Equal(t, "advanced", history[i].Outcome)
	}
}
