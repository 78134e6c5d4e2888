// scheduler.go - Proposal expiry sweep
//
// PURPOSE:
//   Periodically clears proposals that outlived the confirmation TTL, so an
//   abandoned "remove the debt?" never lingers until the user's next turn.
//   Turns also expire proposals lazily; the sweep only covers idle users.
//
// DESIGN:
//   - robfig/cron with a seconds field (six-field expressions)
//   - One job: Orchestrator.SweepExpired, bounded by the cron interval
//   - Overlapping runs are skipped, not queued
//
// CONFIGURATION:
//   - guard.sweep_cron (default: "0 */1 * * * *", every minute)
//
// USAGE:
//   s := NewSweepScheduler(orchestrator, metrics, logger)
//   s.Register(cfg.Guard.SweepCron)
//   s.Start()
//   // ... later
//   s.Stop()
//
// SEE ALSO:
//   - assistant/orchestrator.go: SweepExpired
//   - finance/guard.go: ExpireStale
package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lifeos/decision-engine/assistant"
	"github.com/robfig/cron/v3"
)

// sweepTimeout bounds one sweep.
const sweepTimeout = 30 * time.Second

// SweepScheduler runs the expiry sweep on a cron schedule.
type SweepScheduler struct {
	Cron         *cron.Cron
	Orchestrator *assistant.Orchestrator
	Metrics      *Metrics
	Logger       *slog.Logger
}

// NewSweepScheduler creates a scheduler. metrics may be nil.
func NewSweepScheduler(o *assistant.Orchestrator, metrics *Metrics, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepScheduler{
		Cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		Orchestrator: o,
		Metrics:      metrics,
		Logger:       logger,
	}
}

// Register adds the sweep job.
func (s *SweepScheduler) Register(spec string) error {
	if _, err := s.Cron.AddFunc(spec, s.RunNow); err != nil {
		return fmt.Errorf("register expiry sweep: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *SweepScheduler) Start() {
	s.Cron.Start()
	s.Logger.Info("scheduler started")
}

// Stop stops the scheduler and waits for a running sweep.
func (s *SweepScheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.Logger.Info("scheduler stopped")
}

// RunNow runs one sweep immediately.
func (s *SweepScheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	cleared, err := s.Orchestrator.SweepExpired(ctx)
	if s.Metrics != nil && cleared > 0 {
		s.Metrics.ObserveExpired(cleared)
	}
	if err != nil {
		s.Logger.Error("expiry sweep", "cleared", cleared, "error", err)
		return
	}
	if cleared > 0 {
		s.Logger.Info("expiry sweep", "cleared", cleared)
	}
}
