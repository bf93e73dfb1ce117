package execution

import "testing"

func TestCanTransitionHappyPath(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusRunning, true},
		{StatusQueued, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusFailed, StatusDLQ, true},
		{StatusCompleted, StatusRunning, false},
		{StatusDLQ, StatusPending, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusDLQ}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusQueued, StatusRunning}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestCancellable(t *testing.T) {
	if !(Execution{Status: StatusPending}).Cancellable() {
		t.Error("expected pending execution to be cancellable")
	}
	if (Execution{Status: StatusCompleted}).Cancellable() {
		t.Error("expected completed execution to not be cancellable")
	}
}
