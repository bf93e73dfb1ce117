package ledger

import (
	"context"
	"sync"
	"time"

	service "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/logging"
	"github.com/spine-run/spine/internal/storage"
)

// Dispatch hands a leased Execution off for actual work, normally a closure
// over a Dispatcher's Executor.Submit.
type Dispatch func(ctx context.Context, e execution.Execution) error

// LeaseSweeper periodically claims pending/queued executions for a lane via
// SELECT ... FOR UPDATE SKIP LOCKED (spec.md §4.2 "Worker leasing (async
// mode)") and hands each to Dispatch. Tick-loop shape (mutex-guarded
// start/stop, time.Ticker, cancellable goroutine) mirrors the Scheduler.
type LeaseSweeper struct {
	store      storage.ExecutionStore
	lane       execution.Lane
	interval   time.Duration
	leaseFor   time.Duration
	batchSize  int
	ownerToken string
	dispatch   Dispatch
	log        *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLeaseSweeper builds a LeaseSweeper for one lane. ownerToken identifies
// this worker process in locked_by/concurrency-lock columns.
func NewLeaseSweeper(store storage.ExecutionStore, lane execution.Lane, interval, leaseFor time.Duration, batchSize int, ownerToken string, dispatch Dispatch, log *logging.Logger) *LeaseSweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if leaseFor <= 0 {
		leaseFor = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if log == nil {
		log = logging.NewDefault("ledger.lease-sweeper")
	}
	return &LeaseSweeper{
		store: store, lane: lane, interval: interval, leaseFor: leaseFor,
		batchSize: batchSize, ownerToken: ownerToken, dispatch: dispatch, log: log,
	}
}

// Name satisfies system.Service.
func (s *LeaseSweeper) Name() string { return "ledger.lease-sweeper." + string(s.lane) }

// Descriptor satisfies system.DescriptorProvider.
func (s *LeaseSweeper) Descriptor() service.Descriptor {
	return service.Descriptor{Name: s.Name(), Domain: "orchestration", Layer: service.LayerData, Capabilities: []string{"lease", string(s.lane)}}
}

// Start begins the periodic lease sweep. Satisfies system.Service.
func (s *LeaseSweeper) Start(ctx context.Context) error {
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
func (s *LeaseSweeper) Stop(context.Context) error {
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

func (s *LeaseSweeper) loop(ctx context.Context) {
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

func (s *LeaseSweeper) tick(ctx context.Context) {
	leased, err := s.store.LeaseNext(ctx, s.lane, s.batchSize, s.ownerToken, s.leaseFor)
	if err != nil {
		s.log.WithError(err).Warn("lease sweep failed")
		return
	}
	for _, e := range leased {
		if err := s.dispatch(ctx, e); err != nil {
			s.log.WithError(err).WithField("execution_id", e.ID).Warn("dispatch of leased execution failed")
		}
	}
}
