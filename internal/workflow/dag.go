package workflow

import (
	"fmt"
	"sort"
)

// topoSort groups steps into dependency layers using Kahn's algorithm over
// depends_on (spec.md §4.4 "Execution order"). Steps within a layer have no
// dependency relationship to one another and may run concurrently up to
// WorkflowDef.Concurrency. Cycles and unknown dependency names are rejected
// at registration time, not at run time.
func topoSort(steps []StepDef) ([][]StepDef, error) {
	byName := make(map[string]StepDef, len(steps))
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))

	for _, s := range steps {
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate step name %q", s.Name)
		}
		byName[s.Name] = s
		indegree[s.Name] = 0
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", s.Name, dep)
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var layers [][]StepDef
	for len(indegree) > 0 {
		var ready []string
		for name, deg := range indegree {
			if deg == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("cycle detected among workflow steps")
		}
		sort.Strings(ready) // deterministic layer ordering

		layer := make([]StepDef, 0, len(ready))
		for _, name := range ready {
			layer = append(layer, byName[name])
			delete(indegree, name)
		}
		for _, name := range ready {
			for _, dependent := range dependents[name] {
				indegree[dependent]--
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}
