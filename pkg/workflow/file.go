package workflow

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the on-disk form of a workflow, YAML or JSON.
//
//	name: train-then-eval
//	experiment_id: exp-1
//	triggers: [TRAIN]
//	nodes:
//	  - {id: start, type: START, out: [eval]}
//	  - {id: eval, type: EVAL, task: eval-suite}
type Definition struct {
	Name         string `yaml:"name"`
	ExperimentID string `yaml:"experiment_id,omitempty"`
	Config       `yaml:",inline"`
}

// LoadDefinitionFile reads and validates a definition file.
func LoadDefinitionFile(path string) (Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read workflow definition: %w", err)
	}
	def, err := ParseDefinition(b)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ParseDefinition decodes a definition document. JSON input is accepted as
// YAML.
func ParseDefinition(b []byte) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return Definition{}, ErrNameRequired
	}
	if err := def.Config.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// NewWorkflow converts the definition into a create request.
func (d Definition) NewWorkflow() (NewWorkflow, error) {
	raw, err := EncodeConfig(d.Config)
	if err != nil {
		return NewWorkflow{}, err
	}
	return NewWorkflow{Name: d.Name, Config: raw, ExperimentID: d.ExperimentID}, nil
}
