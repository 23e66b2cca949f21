package steps

import (
	"context"
	"fmt"

	"github.com/ensimu-ai/simprep"
)

// PreprocessingReviewCheckpoint is the checkpoint type Validation
// pauses on for final sign-off before the model is handed to the
// solver.
const PreprocessingReviewCheckpoint = "preprocessing_review"

// Validation checks the assembled model for solver readiness and pauses
// for a final human review. A rejected review sends the workflow back
// to mesh generation for another revision cycle.
type Validation struct{}

func (a *Validation) Name() string {
	return "validation"
}

func (a *Validation) Execute(ctx context.Context, payload map[string]any) (simprep.Outcome, error) {
	results := a.validate(payload)

	if failures, _ := results["errors"].([]string); len(failures) > 0 {
		return simprep.StepFailure{
			Reason: fmt.Sprintf("validation failed: %s", failures[0]),
		}, nil
	}

	review, reviewed := reviewResponse(payload, PreprocessingReviewCheckpoint)
	if !reviewed {
		return simprep.NeedsReview{
			CheckpointType: PreprocessingReviewCheckpoint,
			Data: map[string]any{
				"validation_results": results,
				"quality_metrics": map[string]any{
					"mesh_quality": payload["mesh_quality_metrics"],
				},
			},
			Recommendations: a.recommendations(payload),
		}, nil
	}

	if review.Approved {
		return simprep.StepResult{
			PayloadPatch: map[string]any{
				"validation_results": results,
			},
		}, nil
	}

	// Rejection means the reviewer wants the model reworked, so the
	// workflow loops back to meshing.
	return simprep.StepResult{
		NextStep: "mesh_generation",
		PayloadPatch: map[string]any{
			"validation_results": map[string]any{
				"overall_status":    "revision_requested",
				"reviewer_feedback": review.Feedback,
			},
		},
	}, nil
}

func (a *Validation) validate(payload map[string]any) map[string]any {
	var errors []string
	required := []string{"geometry_analysis", "mesh_recommendations", "material_assignments", "physics_setup"}
	for _, key := range required {
		if _, ok := payload[key].(map[string]any); !ok {
			errors = append(errors, fmt.Sprintf("missing %s", key))
		}
	}
	status := "passed"
	if len(errors) > 0 {
		status = "failed"
	}
	return map[string]any{
		"overall_status": status,
		"errors":         errors,
	}
}

func (a *Validation) recommendations(payload map[string]any) []string {
	recommendations := []string{
		"All preprocessing steps completed successfully",
		"Simulation setup is ready for execution",
	}
	if metrics, ok := payload["mesh_quality_metrics"].(map[string]any); ok {
		if score, _ := metrics["predicted_quality_score"].(float64); score < meshQualityTarget {
			recommendations = append(recommendations, "Consider mesh refinement for better quality")
		}
	}
	return recommendations
}
