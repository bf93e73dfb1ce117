package ledger

import (
	"context"
	"sync"
	"time"

	service "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/logging"
)

// RecoverySweeper periodically reclaims executions left running by a crashed
// worker: any row whose lease expired without a terminal transition is marked
// failed(stale_lease) via Service.RecoverStale, which also schedules the
// retry when attempts remain. Tick-loop shape mirrors LeaseSweeper.
type RecoverySweeper struct {
	ledger    *Service
	interval  time.Duration
	batchSize int
	log       *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecoverySweeper builds a RecoverySweeper over ledger.
func NewRecoverySweeper(ledger *Service, interval time.Duration, batchSize int, log *logging.Logger) *RecoverySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	if log == nil {
		log = logging.NewDefault("ledger.recovery-sweeper")
	}
	return &RecoverySweeper{ledger: ledger, interval: interval, batchSize: batchSize, log: log}
}

// Name satisfies system.Service.
func (s *RecoverySweeper) Name() string { return "ledger.recovery-sweeper" }

// Descriptor satisfies system.DescriptorProvider.
func (s *RecoverySweeper) Descriptor() service.Descriptor {
	return service.Descriptor{Name: s.Name(), Domain: "orchestration", Layer: service.LayerData, Capabilities: []string{"stale-lease-recovery"}}
}

// Start begins the periodic recovery sweep. Satisfies system.Service.
func (s *RecoverySweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)
	return nil
}

// Stop halts the sweep loop and waits for any in-flight tick to finish.
// Satisfies system.Service.
func (s *RecoverySweeper) Stop(context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *RecoverySweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *RecoverySweeper) tick(ctx context.Context) {
	recovered, err := s.ledger.RecoverStale(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		s.log.WithError(err).Warn("stale-lease recovery sweep failed")
		return
	}
	if recovered > 0 {
		s.log.WithField("recovered", recovered).Info("recovered stale executions")
	}
}
