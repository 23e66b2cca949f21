package steps

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ensimu-ai/simprep"
	"github.com/ensimu-ai/simprep/store"
	"github.com/stretchr/testify/require"
)

func newPreprocessingEngine(t *testing.T) *simprep.Engine {
	t.Helper()
	registry := simprep.NewRegistry()
	for _, executor := range All() {
		require.NoError(t, registry.Register(executor))
	}
	engine, err := simprep.NewEngine(simprep.Options{
		Pipeline: simprep.DefaultPipeline(),
		Registry: registry,
		Store:    store.NewMemoryStore(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return engine
}

func defaultPayload() map[string]any {
	return map[string]any{
		"cad_files":    []any{"bracket.step", "housing.step"},
		"physics_type": "structural",
		"material":     "aluminum_6061",
	}
}

func TestPreprocessingPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	engine := newPreprocessingEngine(t)

	threadID, err := engine.Start(ctx, "proj_1", defaultPayload())
	require.NoError(t, err)

	// The mesh proposal needs approval first.
	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, simprep.StatusPausedForReview, summary.Status)
	require.Equal(t, "mesh_generation", summary.CurrentStep)

	pending, err := engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, MeshApprovalCheckpoint, pending.CheckpointType)
	proposal, ok := pending.Data["mesh_recommendations"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "tetrahedral", proposal["element_type"])
	require.Contains(t, pending.Recommendations, "Consider mesh refinement for better quality")

	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, true, "")
	require.NoError(t, err)

	// Final sign-off before the solver.
	summary, err = engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, simprep.StatusPausedForReview, summary.Status)
	require.Equal(t, "validation", summary.CurrentStep)

	pending, err = engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, PreprocessingReviewCheckpoint, pending.CheckpointType)
	require.Contains(t, pending.Recommendations, "All preprocessing steps completed successfully")

	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, true, "cleared for solve")
	require.NoError(t, err)

	summary, err = engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, simprep.StatusCompleted, summary.Status)
	require.Equal(t, 100, summary.ProgressPercent)
	require.Equal(t, []string{
		"geometry_processing",
		"mesh_generation",
		"material_assignment",
		"physics_setup",
		"validation",
	}, summary.CompletedSteps)
}

func TestMeshRejectionRefinesProposal(t *testing.T) {
	ctx := context.Background()
	engine := newPreprocessingEngine(t)

	threadID, err := engine.Start(ctx, "proj_1", defaultPayload())
	require.NoError(t, err)

	pending, err := engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	initial, _ := pending.Data["mesh_recommendations"].(map[string]any)

	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, false, "quality too low near fillets")
	require.NoError(t, err)

	revised, err := engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, MeshApprovalCheckpoint, revised.CheckpointType)

	proposal, _ := revised.Data["mesh_recommendations"].(map[string]any)
	require.Equal(t, "hex_dominant", proposal["element_type"])
	require.EqualValues(t, 1, proposal["revision"])
	require.Equal(t, "quality too low near fillets", proposal["reviewer_feedback"])
	require.Greater(t,
		proposal["predicted_quality_score"].(float64),
		initial["predicted_quality_score"].(float64))

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, 1, summary.IterationCount)
}

func TestGeometryFailsWithoutCADFiles(t *testing.T) {
	ctx := context.Background()
	engine := newPreprocessingEngine(t)

	threadID, err := engine.Start(ctx, "proj_1", map[string]any{})
	require.NoError(t, err)

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, simprep.StatusFailed, summary.Status)
	require.Equal(t, 1, summary.ErrorCount)
}

func TestPhysicsRejectsUnknownPhysicsType(t *testing.T) {
	ctx := context.Background()
	engine := newPreprocessingEngine(t)

	payload := defaultPayload()
	payload["physics_type"] = "quantum"
	threadID, err := engine.Start(ctx, "proj_1", payload)
	require.NoError(t, err)

	// Approve the mesh so the run reaches physics setup.
	pending, err := engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, true, "")
	require.NoError(t, err)

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, simprep.StatusFailed, summary.Status)
}

func TestValidationRejectionLoopsBackToMesh(t *testing.T) {
	ctx := context.Background()
	engine := newPreprocessingEngine(t)

	threadID, err := engine.Start(ctx, "proj_1", defaultPayload())
	require.NoError(t, err)

	pending, err := engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, true, "")
	require.NoError(t, err)

	// Reject the final review: the workflow loops back to meshing.
	pending, err = engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, PreprocessingReviewCheckpoint, pending.CheckpointType)
	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, false, "rework the mesh")
	require.NoError(t, err)

	summary, err := engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, simprep.StatusPausedForReview, summary.Status)
	require.Equal(t, "mesh_generation", summary.CurrentStep)

	// Approve the reworked mesh and the final review to finish.
	pending, err = engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, MeshApprovalCheckpoint, pending.CheckpointType)
	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, true, "")
	require.NoError(t, err)

	pending, err = engine.HITL().Pending(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, PreprocessingReviewCheckpoint, pending.CheckpointType)
	_, err = engine.HITL().Respond(ctx, pending.CheckpointID, true, "")
	require.NoError(t, err)

	summary, err = engine.Status(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, simprep.StatusCompleted, summary.Status)
}
