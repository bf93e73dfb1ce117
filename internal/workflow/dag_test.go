package workflow

import (
	"testing"

	domainworkflow "github.com/spine-run/spine/internal/domain/workflow"
)

func TestTopoSortLayersByDependency(t *testing.T) {
	steps := []StepDef{
		{Name: "write", Kind: domainworkflow.StepLambda, DependsOn: []string{"parse", "validate"}},
		{Name: "fetch", Kind: domainworkflow.StepLambda},
		{Name: "parse", Kind: domainworkflow.StepLambda, DependsOn: []string{"fetch"}},
		{Name: "validate", Kind: domainworkflow.StepLambda, DependsOn: []string{"fetch"}},
	}

	layers, err := topoSort(steps)
	if err != nil {
		t.Fatalf("topo sort: %v", err)
	}
	if len(layers) != 3 {
		t.Fatalf("expected 3 layers, got %d", len(layers))
	}
	if len(layers[0]) != 1 || layers[0][0].Name != "fetch" {
		t.Fatalf("expected fetch alone in layer 0, got %+v", layers[0])
	}
	if len(layers[1]) != 2 || layers[1][0].Name != "parse" || layers[1][1].Name != "validate" {
		t.Fatalf("expected deterministic parse,validate layer, got %+v", layers[1])
	}
	if layers[2][0].Name != "write" {
		t.Fatalf("expected write last, got %+v", layers[2])
	}
}

func TestTopoSortRejectsCycle(t *testing.T) {
	steps := []StepDef{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	}
	if _, err := topoSort(steps); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestTopoSortRejectsUnknownDependency(t *testing.T) {
	steps := []StepDef{{Name: "a", DependsOn: []string{"ghost"}}}
	if _, err := topoSort(steps); err == nil {
		t.Fatal("expected unknown dependency to be rejected")
	}
}

func TestTopoSortRejectsDuplicateStepName(t *testing.T) {
	steps := []StepDef{{Name: "a"}, {Name: "a"}}
	if _, err := topoSort(steps); err == nil {
		t.Fatal("expected duplicate step name to be rejected")
	}
}
