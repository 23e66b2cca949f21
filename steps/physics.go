package steps

import (
	"context"
	"fmt"

	"github.com/ensimu-ai/simprep"
)

// PhysicsSetup configures the solver: loads, boundary conditions, and
// convergence criteria appropriate to the physics type.
type PhysicsSetup struct{}

func (a *PhysicsSetup) Name() string {
	return "physics_setup"
}

func (a *PhysicsSetup) Execute(ctx context.Context, payload map[string]any) (simprep.Outcome, error) {
	if _, ok := payload["material_assignments"].(map[string]any); !ok {
		return simprep.StepFailure{Reason: "material assignments missing, cannot set up physics"}, nil
	}

	physicsType := stringValue(payload, "physics_type", "structural")
	solver, ok := solverFor(physicsType)
	if !ok {
		return simprep.StepFailure{Reason: fmt.Sprintf("unsupported physics type: %q", physicsType)}, nil
	}

	setup := map[string]any{
		"physics_type": physicsType,
		"solver":       solver,
		"boundary_conditions": []any{
			map[string]any{"type": "fixed_support", "region": "mounting_faces"},
			map[string]any{"type": "load", "region": "load_faces"},
		},
		"convergence_criteria": map[string]any{
			"residual_tolerance":    1e-6,
			"max_solver_iterations": 500,
		},
	}

	return simprep.StepResult{
		PayloadPatch: map[string]any{
			"physics_setup": setup,
		},
	}, nil
}

func solverFor(physicsType string) (string, bool) {
	solvers := map[string]string{
		"structural": "static_structural",
		"thermal":    "steady_state_thermal",
		"fluid":      "incompressible_navier_stokes",
		"modal":      "modal_frequency",
	}
	solver, ok := solvers[physicsType]
	return solver, ok
}
