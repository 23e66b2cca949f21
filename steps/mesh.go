package steps

import (
	"context"

	"github.com/ensimu-ai/simprep"
)

// MeshApprovalCheckpoint is the checkpoint type MeshGeneration pauses
// on when a mesh proposal needs a human decision.
const MeshApprovalCheckpoint = "mesh_approval"

const meshQualityTarget = 0.8

// MeshGeneration proposes a meshing strategy from the geometry
// analysis and pauses for approval when the predicted quality falls
// below target. A rejected proposal is refined and resubmitted.
type MeshGeneration struct{}

func (a *MeshGeneration) Name() string {
	return "mesh_generation"
}

func (a *MeshGeneration) Execute(ctx context.Context, payload map[string]any) (simprep.Outcome, error) {
	if _, ok := payload["geometry_analysis"].(map[string]any); !ok {
		return simprep.StepFailure{Reason: "geometry analysis missing, cannot mesh"}, nil
	}

	review, reviewed := reviewResponse(payload, MeshApprovalCheckpoint)
	if !reviewed {
		proposal := a.initialProposal(payload)
		return a.propose(proposal)
	}

	if review.Approved {
		proposal, _ := review.Data["mesh_recommendations"].(map[string]any)
		if proposal == nil {
			proposal = a.initialProposal(payload)
		}
		return simprep.StepResult{
			PayloadPatch: map[string]any{
				"mesh_recommendations": proposal,
				"mesh_quality_metrics": map[string]any{
					"predicted_quality_score": proposal["predicted_quality_score"],
				},
			},
		}, nil
	}

	// Rejected: refine the proposal using the reviewer feedback and
	// ask again.
	rejected, _ := review.Data["mesh_recommendations"].(map[string]any)
	return a.propose(a.refine(rejected, review.Feedback))
}

func (a *MeshGeneration) propose(proposal map[string]any) (simprep.Outcome, error) {
	recommendations := []string{}
	if score, _ := proposal["predicted_quality_score"].(float64); score < meshQualityTarget {
		recommendations = append(recommendations, "Consider mesh refinement for better quality")
	}
	return simprep.NeedsReview{
		CheckpointType:  MeshApprovalCheckpoint,
		Data:            map[string]any{"mesh_recommendations": proposal},
		Recommendations: recommendations,
	}, nil
}

func (a *MeshGeneration) initialProposal(payload map[string]any) map[string]any {
	return map[string]any{
		"element_type":            "tetrahedral",
		"element_count":           1_000_000,
		"global_element_size_mm":  4.0,
		"boundary_layer_count":    3,
		"predicted_quality_score": 0.72,
		"revision":                0,
	}
}

// refine tightens the sizing and upgrades the element formulation.
// Each revision improves the predicted quality, capped at 0.95.
func (a *MeshGeneration) refine(rejected map[string]any, feedback string) map[string]any {
	revision := 1
	size := 4.0
	score := 0.72
	if rejected != nil {
		if r, ok := rejected["revision"].(float64); ok {
			revision = int(r) + 1
		} else if r, ok := rejected["revision"].(int); ok {
			revision = r + 1
		}
		if s, ok := rejected["global_element_size_mm"].(float64); ok {
			size = s
		}
		if s, ok := rejected["predicted_quality_score"].(float64); ok {
			score = s
		}
	}
	score += 0.1
	if score > 0.95 {
		score = 0.95
	}
	return map[string]any{
		"element_type":            "hex_dominant",
		"element_count":           1_500_000,
		"global_element_size_mm":  size / 2,
		"boundary_layer_count":    5,
		"predicted_quality_score": score,
		"revision":                revision,
		"reviewer_feedback":       feedback,
	}
}
