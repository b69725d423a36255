// Package dagyaml loads a DAG submission from a YAML document into a
// dagengine.DAG. Grounded on internal/coordinator/loader.go's
// LoadPlansFromConfig (config-shaped steps turned into a validated Plan)
// and internal/coordinator/plan.go's Validate (duplicate-ID and
// dangling-dependency checks) — generalized from the teacher's flat,
// config-embedded plan list to a standalone document any client can
// submit, and from the teacher's own topoSort cycle check to
// dagengine.DAG.AddDependency's cycle rejection, since the DAG engine
// already does that work per spec §4.2.
package dagyaml

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/apexswarm/orchestrator/internal/dagengine"
	"github.com/apexswarm/orchestrator/internal/ids"
)

// Document is the on-the-wire YAML shape for a DAG submission.
type Document struct {
	Name  string     `yaml:"name"`
	Steps []StepSpec `yaml:"steps"`
}

// StepSpec is a single task definition within a Document.
type StepSpec struct {
	ID          string         `yaml:"id"`
	Instruction string         `yaml:"instruction"`
	DependsOn   []string       `yaml:"depends_on"`
	Priority    int            `yaml:"priority"`
	MaxRetries  int            `yaml:"max_retries"`
	Context     map[string]any `yaml:"context"`
	Parameters  map[string]any `yaml:"parameters"`
}

// Parse unmarshals raw YAML into a Document and validates it
// structurally (unique step ids, dependencies referencing known steps)
// before any dagengine.DAG is built — mirrors Plan.Validate's
// duplicate-ID / dangling-dependency checks.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse dag document: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("dag %q has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("dag %q: step has empty id", d.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("dag %q: duplicate step id %q", d.Name, s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("dag %q: step %q depends on unknown step %q", d.Name, s.ID, dep)
			}
		}
	}
	return nil
}

// Build materializes the Document into a fresh dagengine.DAG, returning
// the engine's own generated ids.TaskID for each StepSpec.ID so callers
// can translate between the two id spaces.
func Build(doc *Document) (*dagengine.DAG, map[string]ids.TaskID, error) {
	dag := dagengine.New(doc.Name)
	idMap := make(map[string]ids.TaskID, len(doc.Steps))

	for _, s := range doc.Steps {
		task := dag.AddTask(s.ID, s.Priority, dagengine.Input{
			Instruction: s.Instruction,
			Context:     s.Context,
			Parameters:  s.Parameters,
		}, s.MaxRetries)
		idMap[s.ID] = task.ID
	}

	for _, s := range doc.Steps {
		to := idMap[s.ID]
		for _, depName := range s.DependsOn {
			from := idMap[depName]
			if err := dag.AddDependency(from, to); err != nil {
				return nil, nil, fmt.Errorf("dag %q: step %q: %w", doc.Name, s.ID, err)
			}
		}
	}

	// Root steps (no dependencies) start Pending from AddTask and never
	// get a predecessor-completion event to promote them, so seed them
	// into Ready directly — the same way orchestrator tests bootstrap a
	// DAG's first wave.
	for _, s := range doc.Steps {
		if len(s.DependsOn) == 0 {
			if _, err := dag.Transition(idMap[s.ID], dagengine.StatusReady, dagengine.TransitionOptions{}); err != nil {
				return nil, nil, fmt.Errorf("dag %q: step %q: seed ready: %w", doc.Name, s.ID, err)
			}
		}
	}

	return dag, idMap, nil
}

// Load is the convenience entry point: parse then build in one call.
func Load(raw []byte) (*dagengine.DAG, map[string]ids.TaskID, error) {
	doc, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	return Build(doc)
}
