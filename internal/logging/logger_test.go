package logging

import "testing"

func TestNewSetsLevelAndFormat(t *testing.T) {
	log := New(Config{Level: "debug", Format: "json", Component: "test"})
	if log.GetLevel().String() != "debug" {
		t.Fatalf("expected level debug, got %s", log.GetLevel())
	}
}

func TestNewFallsBackOnBadLevel(t *testing.T) {
	log := New(Config{Level: "not-a-level", Format: "console"})
	if log.GetLevel().String() != "info" {
		t.Fatalf("expected fallback info level, got %s", log.GetLevel())
	}
}

func TestWithFieldIncludesComponent(t *testing.T) {
	log := New(Config{Level: "info", Format: "console", Component: "dispatcher"})
	entry := log.WithField("execution_id", "01ARZ3")
	if entry.Data["component"] != "dispatcher" {
		t.Fatalf("expected component field set, got %#v", entry.Data)
	}
	if entry.Data["execution_id"] != "01ARZ3" {
		t.Fatalf("expected execution_id field set, got %#v", entry.Data)
	}
}
