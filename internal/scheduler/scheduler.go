// Package scheduler triggers ingestion runs on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/ingest"
	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

// Runner executes one full ingestion run.
type Runner interface {
	RunFullIngestion(ctx context.Context) (procurement.RunSummary, error)
	Running() bool
}

// Config controls the trigger cadence.
type Config struct {
	Interval   time.Duration
	RunOnStart bool
}

// Scheduler fires the runner on every tick, skipping ticks while a run
// started elsewhere (e.g. the HTTP trigger) is still active.
type Scheduler struct {
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// New creates a Scheduler.
func New(runner Runner, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, cfg: cfg, logger: logger.Named("scheduler")}, nil
}

// Run blocks until ctx is done. Runs execute on the calling goroutine, so a
// slow run delays the next tick instead of overlapping it.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("run_on_start", s.cfg.RunOnStart),
	)
	if s.cfg.RunOnStart {
		s.fire(ctx)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.runner.Running() {
		s.logger.Info("tick skipped; a run is already active")
		return
	}
	summary, err := s.runner.RunFullIngestion(ctx)
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		s.logger.Info("tick skipped; a run is already active")
	case err != nil:
		s.logger.Error("scheduled run failed", zap.String("run_id", summary.RunID), zap.Error(err))
	default:
		s.logger.Info("scheduled run finished",
			zap.String("run_id", summary.RunID),
			zap.String("status", string(summary.Status)),
		)
	}
}
