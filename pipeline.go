package simprep

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StepSpec declares one step of a pipeline. When is an optional script
// expression evaluated against the thread payload; a falsy result skips
// the step.
type StepSpec struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	When        string `json:"when,omitempty" yaml:"when,omitempty"`
}

// PipelineOptions are used to configure a pipeline.
type PipelineOptions struct {
	Name          string      `json:"name" yaml:"name"`
	Description   string      `json:"description,omitempty" yaml:"description,omitempty"`
	Steps         []*StepSpec `json:"steps" yaml:"steps"`
	MaxIterations int         `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// Pipeline defines an ordered sequence of named steps for a workflow
// run. Unlike a general step graph, order is linear; a step may still
// redirect via StepResult.NextStep, subject to the iteration budget.
type Pipeline struct {
	name          string
	description   string
	steps         []*StepSpec
	stepsByName   map[string]*StepSpec
	maxIterations int
}

// NewPipeline returns a new Pipeline configured with the given options.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("pipeline name required")
	}
	if len(opts.Steps) == 0 {
		return nil, fmt.Errorf("steps required")
	}
	stepsByName := make(map[string]*StepSpec, len(opts.Steps))
	for _, step := range opts.Steps {
		if step.Name == "" {
			return nil, fmt.Errorf("step name required")
		}
		if _, exists := stepsByName[step.Name]; exists {
			return nil, fmt.Errorf("duplicate step name: %q", step.Name)
		}
		stepsByName[step.Name] = step
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Pipeline{
		name:          opts.Name,
		description:   opts.Description,
		steps:         opts.Steps,
		stepsByName:   stepsByName,
		maxIterations: maxIterations,
	}, nil
}

// Name returns the pipeline name
func (p *Pipeline) Name() string {
	return p.name
}

// Description returns the pipeline description
func (p *Pipeline) Description() string {
	return p.description
}

// Steps returns the pipeline steps in order
func (p *Pipeline) Steps() []*StepSpec {
	return p.steps
}

// MaxIterations returns the per-step revisit budget
func (p *Pipeline) MaxIterations() int {
	return p.maxIterations
}

// Step returns the named step spec.
func (p *Pipeline) Step(name string) (*StepSpec, bool) {
	step, ok := p.stepsByName[name]
	return step, ok
}

// First returns the name of the first step.
func (p *Pipeline) First() string {
	return p.steps[0].Name
}

// After returns the name of the step following the named one, or ""
// when the named step is last or unknown.
func (p *Pipeline) After(name string) string {
	for i, step := range p.steps {
		if step.Name == name && i+1 < len(p.steps) {
			return p.steps[i+1].Name
		}
	}
	return ""
}

// Total returns the number of steps in the pipeline.
func (p *Pipeline) Total() int {
	return len(p.steps)
}

// LoadPipelineFile loads a pipeline from a YAML file
func LoadPipelineFile(path string) (*Pipeline, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read pipeline file: %w", err)
	}
	return LoadPipelineString(string(yamlData))
}

// LoadPipelineString loads a pipeline from a YAML string
func LoadPipelineString(data string) (*Pipeline, error) {
	var opts PipelineOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("unable to parse pipeline: %w", err)
	}
	return NewPipeline(opts)
}

// DefaultPipeline returns the standard simulation preprocessing
// pipeline used when a run does not supply its own definition.
func DefaultPipeline() *Pipeline {
	pipeline, err := NewPipeline(PipelineOptions{
		Name:        "cae-preprocessing",
		Description: "Standard CAE preprocessing pipeline",
		Steps: []*StepSpec{
			{Name: "geometry_processing", Description: "Import and clean up CAD geometry"},
			{Name: "mesh_generation", Description: "Generate the simulation mesh"},
			{Name: "material_assignment", Description: "Assign materials to mesh regions"},
			{Name: "physics_setup", Description: "Configure loads and boundary conditions"},
			{Name: "validation", Description: "Validate the model for solver readiness"},
		},
		MaxIterations: DefaultMaxIterations,
	})
	if err != nil {
		panic(err)
	}
	return pipeline
}
