// Package pipeline implements the Pipeline Runtime (spec.md §4.3): the
// Registry pluggable pipelines register against, and the Runtime that
// drives one Pipeline.Run call with full capture/idempotency/quality-gate
// bookkeeping wired around it.
package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spine-run/spine/internal/domain/pipeline"
)

// Registry holds every registered Pipeline by name. It satisfies
// dispatcher.PipelineRegistry and backs the Command Layer's
// ListPipelines/DescribePipeline operations (spec.md §4.8).
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]pipeline.Pipeline
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]pipeline.Pipeline)}
}

// Register adds p, keyed by p.Name(). A duplicate name is rejected — each
// pipeline name is a unique admission target (spec.md §4.3 "name (unique
// string)").
func (r *Registry) Register(p pipeline.Pipeline) error {
	name := p.Name()
	if name == "" {
		return fmt.Errorf("pipeline name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pipelines[name]; exists {
		return fmt.Errorf("pipeline %q is already registered", name)
	}
	r.pipelines[name] = p
	return nil
}

// Resolve looks up a pipeline by name.
func (r *Registry) Resolve(name string) (pipeline.Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[name]
	return p, ok
}

// Names returns every registered pipeline name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
