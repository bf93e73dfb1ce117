package system

import (
	"context"
	"errors"
	"testing"

	core "github.com/spine-run/spine/internal/core/service"
)

type recordingService struct {
	name       string
	startErr   error
	startCalls *[]string
	stopCalls  *[]string
}

func (r recordingService) Name() string { return r.name }

func (r recordingService) Start(context.Context) error {
	*r.startCalls = append(*r.startCalls, r.name)
	return r.startErr
}

func (r recordingService) Stop(context.Context) error {
	*r.stopCalls = append(*r.stopCalls, r.name)
	return nil
}

func TestManagerStartStopOrder(t *testing.T) {
	var started, stopped []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(recordingService{name: name, startCalls: &started, stopCalls: &stopped}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := started; len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected start order: %v", got)
	}
	if got := stopped; len(got) != 3 || got[0] != "c" || got[2] != "a" {
		t.Fatalf("unexpected stop order: %v", got)
	}
}

func TestManagerStartRollsBackOnFailure(t *testing.T) {
	var started, stopped []string
	m := NewManager()
	_ = m.Register(recordingService{name: "a", startCalls: &started, stopCalls: &stopped})
	_ = m.Register(recordingService{name: "b", startErr: errors.New("boom"), startCalls: &started, stopCalls: &stopped})
	_ = m.Register(recordingService{name: "c", startCalls: &started, stopCalls: &stopped})

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("expected start error")
	}
	if len(started) != 2 {
		t.Fatalf("expected only a,b to attempt start, got %v", started)
	}
	if len(stopped) != 1 || stopped[0] != "a" {
		t.Fatalf("expected rollback stop of a only, got %v", stopped)
	}
}

func TestManagerRegisterAfterStartFails(t *testing.T) {
	var started, stopped []string
	m := NewManager()
	_ = m.Register(recordingService{name: "a", startCalls: &started, stopCalls: &stopped})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Register(recordingService{name: "late", startCalls: &started, stopCalls: &stopped}); err == nil {
		t.Fatal("expected error registering after start")
	}
}

type descriptorService struct {
	recordingService
	desc core.Descriptor
}

func (d descriptorService) Descriptor() core.Descriptor { return d.desc }

func TestManagerDescriptorsSortedByLayerThenName(t *testing.T) {
	var started, stopped []string
	m := NewManager()
	_ = m.Register(descriptorService{
		recordingService: recordingService{name: "zeta", startCalls: &started, stopCalls: &stopped},
		desc:             core.Descriptor{Name: "zeta", Layer: core.LayerEngine},
	})
	_ = m.Register(descriptorService{
		recordingService: recordingService{name: "alpha", startCalls: &started, stopCalls: &stopped},
		desc:             core.Descriptor{Name: "alpha", Layer: core.LayerControl},
	})
	_ = m.Register(descriptorService{
		recordingService: recordingService{name: "beta", startCalls: &started, stopCalls: &stopped},
		desc:             core.Descriptor{Name: "beta", Layer: core.LayerEngine},
	})

	descs := m.Descriptors()
	if len(descs) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(descs))
	}
	if descs[0].Name != "alpha" || descs[1].Name != "beta" || descs[2].Name != "zeta" {
		t.Fatalf("unexpected order: %#v", descs)
	}
}
