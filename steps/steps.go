// Package steps provides the built-in executors for the CAE
// preprocessing pipeline: geometry cleanup, mesh generation, material
// assignment, physics setup, and validation.
package steps

import "github.com/ensimu-ai/simprep"

// All returns the executors for the default preprocessing pipeline.
func All() []simprep.Executor {
	return []simprep.Executor{
		&GeometryProcessing{},
		&MeshGeneration{},
		&MaterialAssignment{},
		&PhysicsSetup{},
		&Validation{},
	}
}

// Review is a decoded reviewer response scoped to one checkpoint type.
type Review struct {
	Approved bool
	Feedback string
	Data     map[string]any
}

// reviewResponse extracts the reviewer response from the payload if it
// belongs to the given checkpoint type. Responses for other checkpoint
// types are ignored so a step only ever consumes its own reviews.
func reviewResponse(payload map[string]any, checkpointType string) (Review, bool) {
	raw, ok := payload["hitl_response"].(map[string]any)
	if !ok {
		return Review{}, false
	}
	if ctype, _ := raw["checkpoint_type"].(string); ctype != checkpointType {
		return Review{}, false
	}
	approved, _ := raw["approved"].(bool)
	feedback, _ := raw["feedback"].(string)
	data, _ := raw["data"].(map[string]any)
	return Review{Approved: approved, Feedback: feedback, Data: data}, true
}

func stringValue(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
