package pipeline

import (
	"errors"
	"fmt"
	"time"
)

const (
	emptyDefinitionNameError      = "pipeline definition has no name"
	emptyDefinitionStagesFormat   = "pipeline %s has no stages"
	nilStageFormat                = "pipeline %s: stage #%d is nil"
	duplicateStageFormat          = "pipeline %s: duplicate stage %q"
	unknownPolicyFormat           = "pipeline %s: stage %q has unknown policy %q"
	forwardDependencyFormat       = "pipeline %s: stage %q depends on %q which does not precede it"
	unknownOverrideStageFormat    = "pipeline %s: override for unknown stage %q"
	defaultStageAttemptsPerSpec   = 1
	minimumStageTimeoutOverride   = time.Duration(0)
	maximumConfiguredStageRetries = 10
)

// Definition is a fixed, statically ordered list of stages.
type Definition struct {
	Name   string
	Stages []StageSpec
	// CheckInput rejects malformed input before the first stage runs.
	CheckInput func(input any) error
}

// Validate checks names, policies and that every declared read-set only
// references stages that run strictly earlier.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New(emptyDefinitionNameError)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf(emptyDefinitionStagesFormat, d.Name)
	}
	preceding := make(map[string]struct{}, len(d.Stages))
	for index, spec := range d.Stages {
		if spec.Stage == nil {
			return fmt.Errorf(nilStageFormat, d.Name, index)
		}
		stageName := spec.Stage.Name()
		if _, exists := preceding[stageName]; exists {
			return fmt.Errorf(duplicateStageFormat, d.Name, stageName)
		}
		if _, err := ParsePolicy(string(spec.Policy)); err != nil {
			return fmt.Errorf(unknownPolicyFormat, d.Name, stageName, spec.Policy)
		}
		for _, dependency := range spec.Stage.DependsOn() {
			if _, ok := preceding[dependency]; !ok {
				return fmt.Errorf(forwardDependencyFormat, d.Name, stageName, dependency)
			}
		}
		preceding[stageName] = struct{}{}
	}
	return nil
}

// StageNames returns stage names in execution order.
func (d Definition) StageNames() []string {
	names := make([]string, 0, len(d.Stages))
	for _, spec := range d.Stages {
		names = append(names, spec.Stage.Name())
	}
	return names
}

// StageOverride adjusts a stage's policy or limits from configuration.
// Zero values leave the compiled-in setting unchanged.
type StageOverride struct {
	Stage    string
	Policy   Policy
	Timeout  time.Duration
	Attempts int
}

// WithOverrides returns a copy of d with overrides applied. The stage order
// is never changed.
func (d Definition) WithOverrides(overrides []StageOverride) (Definition, error) {
	stages := make([]StageSpec, len(d.Stages))
	copy(stages, d.Stages)
	indexByName := make(map[string]int, len(stages))
	for index, spec := range stages {
		indexByName[spec.Stage.Name()] = index
	}
	for _, override := range overrides {
		index, ok := indexByName[override.Stage]
		if !ok {
			return Definition{}, fmt.Errorf(unknownOverrideStageFormat, d.Name, override.Stage)
		}
		if override.Policy != "" {
			policy, err := ParsePolicy(string(override.Policy))
			if err != nil {
				return Definition{}, fmt.Errorf("pipeline %s: %w", d.Name, err)
			}
			stages[index].Policy = policy
		}
		if override.Timeout > minimumStageTimeoutOverride {
			stages[index].Timeout = override.Timeout
		}
		if override.Attempts > 0 {
			stages[index].Attempts = min(override.Attempts, maximumConfiguredStageRetries)
		}
	}
	return Definition{Name: d.Name, Stages: stages, CheckInput: d.CheckInput}, nil
}

func (spec StageSpec) attempts(fallback int) int {
	if spec.Attempts > 0 {
		return spec.Attempts
	}
	if fallback > 0 {
		return fallback
	}
	return defaultStageAttemptsPerSpec
}

func (spec StageSpec) timeout(fallback time.Duration) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	return fallback
}
