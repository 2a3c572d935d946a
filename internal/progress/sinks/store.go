package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/progress"
	"github.com/JakeFAU/pncp-item-ingest/internal/store"
)

// StoreSink persists run lifecycle events via a store.RunRepository.
// Triple events are folded into the run summary, so only run-level stages
// reach the repository.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run start and completion to the repository. It returns the
// first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, *evt.Summary); err != nil {
				return fmt.Errorf("record run start: %w", err)
			}
		case progress.StageRunDone, progress.StageRunError:
			if err := s.repo.CompleteRun(ctx, *evt.Summary); err != nil {
				return fmt.Errorf("record run completion: %w", err)
			}
			s.logger.Debug("run persisted", zap.String("run_id", evt.RunID))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
