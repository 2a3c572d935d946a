package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
	"github.com/JakeFAU/pncp-item-ingest/internal/store"
)

// RunStore provides an in-memory run history for development/testing.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]procurement.RunSummary
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]procurement.RunSummary)}
}

// StartRun stores the run in running status.
func (s *RunStore) StartRun(_ context.Context, summary procurement.RunSummary) error {
	summary.Status = procurement.RunRunning
	s.put(summary)
	return nil
}

// CompleteRun stores the final run state.
func (s *RunStore) CompleteRun(_ context.Context, summary procurement.RunSummary) error {
	s.put(summary)
	return nil
}

func (s *RunStore) put(summary procurement.RunSummary) {
	summary.Triples = append([]procurement.TripleOutcome(nil), summary.Triples...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[summary.RunID] = summary
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (procurement.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return procurement.RunSummary{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first without their per-triple outcomes.
func (s *RunStore) ListRuns(
	_ context.Context,
	status *procurement.RunStatus,
	limit,
	offset int,
) ([]procurement.RunSummary, error) {
	s.mu.RLock()
	out := make([]procurement.RunSummary, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		run.Triples = nil
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []procurement.RunSummary{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
