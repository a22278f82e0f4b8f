package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler triggers refresh passes on a periodic interval.
// It is stateless: each tick independently runs one full pass.
type Scheduler struct {
	interval time.Duration
	engine   *Engine
}

// NewScheduler creates a periodic refresh scheduler for one engine.
func NewScheduler(interval time.Duration, engine *Engine) *Scheduler {
	return &Scheduler{interval: interval, engine: engine}
}

// Start begins periodic refreshing. Runs until context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] Starting refresh scheduler", "interval", s.interval)

	// Run an initial pass so a fresh process has data before the first tick.
	s.runPass(ctx)

	for {
		select {
		case <-ticker.C:
			s.runPass(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")
			return nil
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	report, err := s.engine.Refresh(ctx)
	switch {
	case errors.Is(err, ErrRefreshInFlight):
		// A manual refresh or backfill holds the pass lock; this tick's
		// work will be subsumed by it.
		slog.Info("[Scheduler] Tick coalesced into in-flight pass")
	case err != nil:
		slog.Error("[Scheduler] Scheduled refresh failed", "error", err)
	default:
		slog.Info("[Scheduler] Scheduled refresh complete",
			"pass_id", report.PassID,
			"appended", report.Appended,
		)
	}
}
