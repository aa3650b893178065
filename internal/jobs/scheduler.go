// Package jobs runs the ledger's periodic work: the no-show sweep and the
// monthly grant batch.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/joyledger/internal/grant"
	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/sweeper"
)

type Sweeper interface {
	Run(ctx context.Context, now time.Time) (*sweeper.Report, error)
}

type Granter interface {
	RunBatch(ctx context.Context, p ledger.Principal, amount int64) (*grant.BatchReport, error)
}

type Config struct {
	SweepInterval      time.Duration
	GrantCheckInterval time.Duration
	GrantAmount        int64
}

// Scheduler periodically sweeps no-shows and applies the grant batch when
// the UTC calendar month changes.
type Scheduler struct {
	mu      sync.RWMutex
	sweeper Sweeper
	grants  Granter
	cfg     Config
	clock   func() time.Time
	logger  *slog.Logger
	cleanup []func()

	lastPeriod string
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewScheduler creates a job scheduler. Cleanup funcs run on every sweep
// tick.
func NewScheduler(sw Sweeper, grants Granter, cfg Config, logger *slog.Logger, cleanup ...func()) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sweeper: sw,
		grants:  grants,
		cfg:     cfg,
		clock:   time.Now,
		logger:  logger.With("component", "jobs"),
		cleanup: cleanup,
	}
}

// Start begins the scheduler loop. The grant check runs once immediately so
// a restart across a month boundary does not wait a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		sweepTicker := time.NewTicker(s.cfg.SweepInterval)
		defer sweepTicker.Stop()
		grantTicker := time.NewTicker(s.cfg.GrantCheckInterval)
		defer grantTicker.Stop()

		s.CheckGrants(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweepTicker.C:
				s.Sweep(ctx)
			case <-grantTicker.C:
				s.CheckGrants(ctx)
			}
		}
	}()
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Sweep runs one no-show sweep.
func (s *Scheduler) Sweep(ctx context.Context) {
	for _, fn := range s.cleanup {
		fn()
	}
	report, err := s.sweeper.Run(ctx, s.clock().UTC())
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	for _, f := range report.Failures {
		s.logger.Warn("sweep item failed", "kind", f.Kind, "id", f.ID, "code", f.Code, "error", f.Error)
	}
}

// CheckGrants applies the grant batch once per period. It reports whether a
// batch ran.
func (s *Scheduler) CheckGrants(ctx context.Context) bool {
	period := grant.Period(s.clock())

	s.mu.RLock()
	last := s.lastPeriod
	s.mu.RUnlock()
	if period == last {
		return false
	}

	report, err := s.grants.RunBatch(ctx, ledger.SystemPrincipal(), s.cfg.GrantAmount)
	if err != nil {
		s.logger.Error("grant batch failed", "period", period, "error", err)
		return false
	}
	for _, f := range report.Failures {
		s.logger.Warn("grant item failed", "member_id", f.ID, "code", f.Code, "error", f.Error)
	}
	// Failed members are retried on the next period change or by a manual run.
	s.mu.Lock()
	s.lastPeriod = period
	s.mu.Unlock()
	return true
}
