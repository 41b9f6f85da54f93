package recon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"exec_reconciler/internal/core"
	"exec_reconciler/pkg/concurrency"

	"golang.org/x/sync/errgroup"
)

// SupervisorConfig holds the shared scheduling settings for all accounts.
type SupervisorConfig struct {
	Interval      time.Duration
	CycleTimeout  time.Duration
	MaxWorkers    int
	MaxCapacity   int
	EnableStreams bool
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = defaultCycleTimeout
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 64
	}
	return c
}

// Supervisor drives one reconciler per account off a single ticker, fanning
// cycles out on a worker pool so one slow venue cannot starve the others.
// Reconcilers are registered before Start and never started individually.
type Supervisor struct {
	logger core.ILogger
	cfg    SupervisorConfig
	pool   *concurrency.WorkerPool

	mu      sync.RWMutex
	workers map[core.AccountID]*Reconciler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor with its own worker pool.
func NewSupervisor(logger core.ILogger, cfg SupervisorConfig) *Supervisor {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		logger: logger.WithField("component", "supervisor"),
		cfg:    cfg,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "reconciliation",
			MaxWorkers:  cfg.MaxWorkers,
			MaxCapacity: cfg.MaxCapacity,
			NonBlocking: true,
		}, logger),
		workers: make(map[core.AccountID]*Reconciler),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a reconciler under its ledger account.
func (s *Supervisor) Add(r *Reconciler) error {
	account := r.ledger.AccountID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[account]; exists {
		return fmt.Errorf("reconciler for account %s already registered", account)
	}
	s.workers[account] = r
	s.logger.Info("Registered reconciler", "account_id", account, "venue", r.venue.Name())
	return nil
}

// Start opens venue streams when enabled, runs an immediate cycle for every
// account, then settles into the periodic fan-out loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.RLock()
	count := len(s.workers)
	s.mu.RUnlock()
	if count == 0 {
		return fmt.Errorf("no reconcilers registered")
	}

	s.logger.Info("Starting supervisor", "accounts", count, "interval", s.cfg.Interval)

	if s.cfg.EnableStreams {
		s.mu.RLock()
		for account, r := range s.workers {
			if err := r.StartStream(s.ctx); err != nil {
				s.mu.RUnlock()
				return fmt.Errorf("start stream for account %s: %w", account, err)
			}
		}
		s.mu.RUnlock()
	}

	s.wg.Add(1)
	go s.runLoop()

	return nil
}

// Stop drains in-flight cycles and tears down streams.
func (s *Supervisor) Stop() error {
	s.logger.Info("Stopping supervisor")
	s.cancel()
	s.wg.Wait()
	s.pool.Stop()

	if s.cfg.EnableStreams {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for account, r := range s.workers {
			if err := r.StopStream(); err != nil {
				s.logger.Error("Failed to stop venue stream", "account_id", account, "error", err)
			}
		}
	}
	return nil
}

func (s *Supervisor) runLoop() {
	defer s.wg.Done()

	// Initial pass so a restart converges before the first tick
	s.fanOut()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.fanOut()
		}
	}
}

func (s *Supervisor) fanOut() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for account, r := range s.workers {
		rec := r
		err := s.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CycleTimeout)
			defer cancel()
			if cerr := rec.Reconcile(ctx); cerr != nil {
				s.logger.Error("Reconciliation cycle failed",
					"account_id", rec.ledger.AccountID(), "error", cerr.Error())
			}
		})
		if err != nil {
			// Pool saturated: the account keeps its previous state and the
			// next tick retries.
			s.logger.Warn("Cycle submission rejected", "account_id", account, "error", err)
		}
	}
}

// TriggerAll runs a manual cycle for every account and waits for the results.
func (s *Supervisor) TriggerAll(ctx context.Context) error {
	s.mu.RLock()
	workers := make([]*Reconciler, 0, len(s.workers))
	for _, r := range s.workers {
		workers = append(workers, r)
	}
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range workers {
		rec := r
		g.Go(func() error {
			return rec.TriggerManual(gctx)
		})
	}
	return g.Wait()
}

// TriggerAccount runs a manual cycle for one account.
func (s *Supervisor) TriggerAccount(ctx context.Context, account core.AccountID) error {
	r, ok := s.worker(account)
	if !ok {
		return fmt.Errorf("no reconciler for account %s", account)
	}
	return r.TriggerManual(ctx)
}

// Status returns the last cycle status for one account.
func (s *Supervisor) Status(account core.AccountID) (core.ReconciliationStatus, bool) {
	r, ok := s.worker(account)
	if !ok {
		return core.ReconciliationStatus{}, false
	}
	return r.Status(), true
}

// Statuses returns every account's last cycle status, sorted by account.
func (s *Supervisor) Statuses() []core.ReconciliationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]core.ReconciliationStatus, 0, len(s.workers))
	for _, r := range s.workers {
		statuses = append(statuses, r.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].AccountID < statuses[j].AccountID })
	return statuses
}

// PoolStats reports cycle worker pool activity for the ops API.
func (s *Supervisor) PoolStats() concurrency.Stats {
	return s.pool.Stats()
}

// CircuitStatuses returns breaker state for every account that has one.
func (s *Supervisor) CircuitStatuses() map[core.AccountID]core.CircuitStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[core.AccountID]core.CircuitStatus)
	for account, r := range s.workers {
		if status, ok := r.CircuitStatus(); ok {
			out[account] = status
		}
	}
	return out
}

// ResetBreaker closes one account's breaker, false when the account is
// unknown or has no breaker.
func (s *Supervisor) ResetBreaker(account core.AccountID) bool {
	r, ok := s.worker(account)
	if !ok {
		return false
	}
	return r.ResetBreaker()
}

// Accounts returns the registered accounts in sorted order.
func (s *Supervisor) Accounts() []core.AccountID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]core.AccountID, 0, len(s.workers))
	for account := range s.workers {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
	return accounts
}

func (s *Supervisor) worker(account core.AccountID) (*Reconciler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.workers[account]
	return r, ok
}
