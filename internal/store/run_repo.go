package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunRepository persists ingestion run history.
type RunRepository interface {
	// StartRun inserts (or idempotently updates) the running row for a run.
	StartRun(ctx context.Context, summary procurement.RunSummary) error
	// CompleteRun stores the final status, totals and per-triple outcomes.
	CompleteRun(ctx context.Context, summary procurement.RunSummary) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID string) (procurement.RunSummary, error)
	// ListRuns returns runs filtered by optional status plus limit/offset,
	// newest first. Per-triple outcomes are omitted.
	ListRuns(ctx context.Context, status *procurement.RunStatus, limit, offset int) ([]procurement.RunSummary, error)
}
