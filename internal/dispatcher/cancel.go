package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/spineerr"
)

// Cancellations is the per-process registry of cooperative cancellation
// tokens keyed by execution id (spec.md §5). Executors register each running
// execution's cancel func before invoking the pipeline; Dispatcher.Cancel
// signals it so a worker mid-I/O observes a cancelled context at its next
// suspension point.
type Cancellations struct {
	mu     sync.Mutex
	tokens map[string]context.CancelFunc
}

// NewCancellations builds an empty registry.
func NewCancellations() *Cancellations {
	return &Cancellations{tokens: make(map[string]context.CancelFunc)}
}

// register records cancel under executionID and returns the release func the
// executor defers once the run finishes.
func (c *Cancellations) register(executionID string, cancel context.CancelFunc) func() {
	c.mu.Lock()
	c.tokens[executionID] = cancel
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.tokens, executionID)
		c.mu.Unlock()
	}
}

// Signal cancels the registered token, reporting whether in-flight work was
// found. A false return means the execution was not running in this process
// (already terminal, still queued, or leased by another worker).
func (c *Cancellations) Signal(executionID string) bool {
	c.mu.Lock()
	cancel, ok := c.tokens[executionID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// runGuarded invokes run under the execution's working context: a hard
// deadline derived from TimeoutSeconds and a cancellation token registered
// under the execution id. Context-driven outcomes are normalized into
// taxonomy errors: a deadline becomes a retryable timeout failure; a token
// cancellation (as opposed to parent-context shutdown) becomes ErrCancelled
// so the executor knows the ledger row was already transitioned.
func runGuarded(ctx context.Context, cancels *Cancellations, exec execution.Execution, run RunFunc) error {
	var runCtx context.Context
	var cancel context.CancelFunc
	if exec.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(exec.TimeoutSeconds)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	if cancels != nil {
		release := cancels.register(exec.ID, cancel)
		defer release()
	}

	err := run(runCtx, exec)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return spineerr.Newf("executor.run", spineerr.Transient, "timeout: execution exceeded its %ds hard timeout", exec.TimeoutSeconds)
	case errors.Is(runCtx.Err(), context.Canceled) && ctx.Err() == nil:
		return spineerr.New("executor.run", spineerr.Orchestration, spineerr.ErrCancelled)
	}
	return err
}
