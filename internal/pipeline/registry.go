package pipeline

import (
	"fmt"
	"sort"
)

// Factory builds a fresh Definition. Factories capture the collaborators a
// pipeline's stages need.
type Factory func() (Definition, error)

type Registry struct{ pipelines map[string]Factory }

func NewRegistry() *Registry { return &Registry{pipelines: map[string]Factory{}} }

func (r *Registry) Register(name string, factory Factory) { r.pipelines[name] = factory }

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.pipelines))
	for k := range r.pipelines {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Create(name string) (Definition, bool, error) {
	f, ok := r.pipelines[name]
	if !ok {
		return Definition{}, false, nil
	}
	definition, err := f()
	if err != nil {
		return Definition{}, true, fmt.Errorf("build pipeline %s: %w", name, err)
	}
	return definition, true, nil
}
