// Package dlq implements the Dead-Letter Queue's operator surface (spec.md
// §4.7): inspect, retry (creates a new execution linked by
// parent_execution_id), and resolve (marks resolved_at).
package dlq

import (
	"context"
	"time"

	service "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/ledger"
	"github.com/spine-run/spine/internal/logging"
	"github.com/spine-run/spine/internal/storage"
)

// Service wraps an ExecutionStore's dead-letter rows plus the Ledger's
// retry-creation logic so operators get a single, narrow surface.
type Service struct {
	store  storage.ExecutionStore
	ledger *ledger.Service
	log    *logging.Logger
}

// New builds a dlq Service.
func New(store storage.ExecutionStore, ledger *ledger.Service, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("dlq")
	}
	return &Service{store: store, ledger: ledger, log: log}
}

// Descriptor advertises this component's placement and capabilities.
func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         "dlq",
		Domain:       "orchestration",
		Layer:        service.LayerControl,
		Capabilities: []string{"inspect", "retry", "resolve"},
	}
}

// Get inspects a single dead letter by id.
func (s *Service) Get(ctx context.Context, id string) (execution.DeadLetter, error) {
	return s.store.GetDeadLetter(ctx, id)
}

// List returns dead letters filtered by resolution state, oldest first.
func (s *Service) List(ctx context.Context, resolved bool, limit int) ([]execution.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, resolved, service.ClampLimit(limit, 0, 0))
}

// Retry creates a fresh Execution with parent_execution_id=dl.ExecutionID,
// delegating to the Ledger so the linking/event-log logic lives in one
// place. It does not itself mark the dead letter resolved — an operator
// calls Resolve separately once satisfied the retry succeeded.
func (s *Service) Retry(ctx context.Context, deadLetterID string) (execution.Execution, error) {
	dl, err := s.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return execution.Execution{}, err
	}
	retry, err := s.ledger.RetryDeadLetter(ctx, dl)
	if err != nil {
		return execution.Execution{}, err
	}
	if err := s.store.MarkDeadLetterRetried(ctx, dl.ID, time.Now().UTC()); err != nil {
		s.log.WithError(err).WithField("dead_letter_id", dl.ID).Warn("failed to stamp last_retry_at")
	}
	return retry, nil
}

// Resolve marks a dead letter as handled, without creating a retry.
func (s *Service) Resolve(ctx context.Context, deadLetterID string) error {
	return s.store.ResolveDeadLetter(ctx, deadLetterID)
}
