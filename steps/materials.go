package steps

import (
	"context"

	"github.com/ensimu-ai/simprep"
)

// MaterialAssignment maps materials onto mesh regions using the
// geometry analysis and the approved mesh strategy.
type MaterialAssignment struct{}

func (a *MaterialAssignment) Name() string {
	return "material_assignment"
}

func (a *MaterialAssignment) Execute(ctx context.Context, payload map[string]any) (simprep.Outcome, error) {
	if _, ok := payload["mesh_recommendations"].(map[string]any); !ok {
		return simprep.StepFailure{Reason: "mesh recommendations missing, cannot assign materials"}, nil
	}

	material := stringValue(payload, "material", "structural_steel")
	assignments := map[string]any{
		"material_recommendations": []any{
			map[string]any{
				"region":   "default",
				"material": material,
				"source":   "library",
			},
		},
		"contact_pairs":    []any{},
		"confidence_score": 0.85,
	}

	return simprep.StepResult{
		PayloadPatch: map[string]any{
			"material_assignments": assignments,
		},
	}, nil
}
