package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
	"github.com/JakeFAU/pncp-item-ingest/internal/store"
)

// RunStore implements store.RunRepository on <schema>.ingestion_runs.
type RunStore struct {
	pool  Pool
	table string
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore creates a RunStore for the given schema.
func NewRunStore(pool Pool, schema string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := qualify(schema, "ingestion_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: table}, nil
}

// StartRun records a run as running.
func (s *RunStore) StartRun(ctx context.Context, summary procurement.RunSummary) error {
	summary.Status = procurement.RunRunning
	summary.FinishedAt = time.Time{}
	if err := s.upsert(ctx, summary); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun stores the final state of a run. It inserts the row if StartRun
// never made it to the database.
func (s *RunStore) CompleteRun(ctx context.Context, summary procurement.RunSummary) error {
	if err := s.upsert(ctx, summary); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

func (s *RunStore) upsert(ctx context.Context, summary procurement.RunSummary) error {
	outcomes, err := json.Marshal(summary.Triples)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id, status, started_at, finished_at,
	triples, empty_triples, failed_triples, fetched,
	inserted, skipped, failed, invalid,
	catalog_error, error_message, outcomes
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (run_id) DO UPDATE SET
	status = EXCLUDED.status,
	finished_at = EXCLUDED.finished_at,
	triples = EXCLUDED.triples,
	empty_triples = EXCLUDED.empty_triples,
	failed_triples = EXCLUDED.failed_triples,
	fetched = EXCLUDED.fetched,
	inserted = EXCLUDED.inserted,
	skipped = EXCLUDED.skipped,
	failed = EXCLUDED.failed,
	invalid = EXCLUDED.invalid,
	catalog_error = EXCLUDED.catalog_error,
	error_message = EXCLUDED.error_message,
	outcomes = EXCLUDED.outcomes`, s.table)

	totals := summary.Totals
	_, err = s.pool.Exec(ctx, query,
		summary.RunID,
		string(summary.Status),
		summary.StartedAt,
		nullTime(summary.FinishedAt),
		totals.Triples,
		totals.EmptyTriples,
		totals.FailedTriples,
		totals.Fetched,
		totals.Write.Inserted,
		totals.Write.Skipped,
		totals.Write.Failed,
		totals.Write.Invalid,
		nullString(summary.CatalogError),
		nullString(summary.Error),
		outcomes,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", classify(err), err)
	}
	return nil
}

const runColumns = `run_id, status, started_at, finished_at,
	triples, empty_triples, failed_triples, fetched,
	inserted, skipped, failed, invalid,
	catalog_error, error_message`

// GetRun retrieves a single run, including its per-triple outcomes.
func (s *RunStore) GetRun(ctx context.Context, runID string) (procurement.RunSummary, error) {
	query := fmt.Sprintf(`SELECT %s, outcomes FROM %s WHERE run_id = $1`, runColumns, s.table)

	var outcomes []byte
	summary, err := scanRun(s.pool.QueryRow(ctx, query, runID), &outcomes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return procurement.RunSummary{}, store.ErrNotFound
		}
		return procurement.RunSummary{}, fmt.Errorf("failed to get run: %w", err)
	}
	if len(outcomes) > 0 {
		if err := json.Unmarshal(outcomes, &summary.Triples); err != nil {
			return procurement.RunSummary{}, fmt.Errorf("decode run outcomes: %w", err)
		}
	}
	return summary, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *procurement.RunStatus,
	limit,
	offset int,
) ([]procurement.RunSummary, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, runColumns, s.table)

	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []procurement.RunSummary
	for rows.Next() {
		run, err := scanRun(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row, outcomes *[]byte) (procurement.RunSummary, error) {
	var (
		run          procurement.RunSummary
		status       string
		finishedAt   *time.Time
		catalogError *string
		errMsg       *string
	)
	dest := []any{
		&run.RunID,
		&status,
		&run.StartedAt,
		&finishedAt,
		&run.Totals.Triples,
		&run.Totals.EmptyTriples,
		&run.Totals.FailedTriples,
		&run.Totals.Fetched,
		&run.Totals.Write.Inserted,
		&run.Totals.Write.Skipped,
		&run.Totals.Write.Failed,
		&run.Totals.Write.Invalid,
		&catalogError,
		&errMsg,
	}
	if outcomes != nil {
		dest = append(dest, outcomes)
	}
	if err := row.Scan(dest...); err != nil {
		return procurement.RunSummary{}, err
	}
	run.Status = procurement.RunStatus(status)
	if finishedAt != nil {
		run.FinishedAt = *finishedAt
	}
	if catalogError != nil {
		run.CatalogError = *catalogError
	}
	if errMsg != nil {
		run.Error = *errMsg
	}
	return run, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
