// Package ingest drives a full ingestion run: it reads the eligible triples
// from the catalog, paginates each triple's items from the source API and
// writes them through the deduplicating item store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/logging"
	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
	"github.com/JakeFAU/pncp-item-ingest/internal/progress"
)

// ErrRunInProgress is returned when a run is requested while another one is active.
var ErrRunInProgress = errors.New("an ingestion run is already in progress")

const notifyTimeout = 30 * time.Second

// Archiver keeps the raw payloads of fetched items.
type Archiver interface {
	Store(ctx context.Context, rec procurement.EligibilityRecord, items []procurement.Item) (int, error)
}

// Notifier announces finished runs.
type Notifier interface {
	RunFinished(ctx context.Context, summary procurement.RunSummary) error
}

// Deps groups the collaborators of a Pipeline. Catalog, Fetcher, Writer,
// Clock and IDs are required; the rest are optional.
type Deps struct {
	Catalog  procurement.Catalog
	Fetcher  procurement.ItemFetcher
	Writer   procurement.BatchWriter
	Clock    procurement.Clock
	IDs      procurement.IDGenerator
	Progress progress.Emitter
	Archiver Archiver
	Notifier Notifier
	Logger   *zap.Logger
}

// Pipeline runs ingestion sequentially: one triple at a time, one page at a time.
type Pipeline struct {
	catalog  procurement.Catalog
	fetcher  procurement.ItemFetcher
	writer   procurement.BatchWriter
	clock    procurement.Clock
	ids      procurement.IDGenerator
	progress progress.Emitter
	archiver Archiver
	notifier Notifier
	logger   *zap.Logger

	running atomic.Bool
}

// New validates deps and constructs a Pipeline.
func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Catalog == nil:
		return nil, fmt.Errorf("catalog is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Writer == nil:
		return nil, fmt.Errorf("writer is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	emitter := deps.Progress
	if emitter == nil {
		emitter = progress.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		catalog:  deps.Catalog,
		fetcher:  deps.Fetcher,
		writer:   deps.Writer,
		clock:    deps.Clock,
		ids:      deps.IDs,
		progress: emitter,
		archiver: deps.Archiver,
		notifier: deps.Notifier,
		logger:   logger.Named("pipeline"),
	}, nil
}

// Running reports whether a run is active.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// RunFullIngestion processes every eligible triple once. A failing triple is
// recorded on its outcome and the run moves on; only an unreachable catalog
// aborts the run. The returned summary is populated even when err is non-nil.
func (p *Pipeline) RunFullIngestion(ctx context.Context) (procurement.RunSummary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return procurement.RunSummary{}, ErrRunInProgress
	}
	defer p.running.Store(false)

	runID, err := p.ids.NewID()
	if err != nil {
		return procurement.RunSummary{}, fmt.Errorf("new run id: %w", err)
	}
	return p.run(ctx, runID)
}

// Start claims the run guard, then runs a full ingestion in the background and
// returns its run id immediately. done, when non-nil, receives the result
// after the guard is released.
func (p *Pipeline) Start(ctx context.Context, done func(procurement.RunSummary, error)) (string, error) {
	if !p.running.CompareAndSwap(false, true) {
		return "", ErrRunInProgress
	}
	runID, err := p.ids.NewID()
	if err != nil {
		p.running.Store(false)
		return "", fmt.Errorf("new run id: %w", err)
	}
	go func() {
		summary, err := p.run(ctx, runID)
		p.running.Store(false)
		if done != nil {
			done(summary, err)
		}
	}()
	return runID, nil
}

func (p *Pipeline) run(ctx context.Context, runID string) (procurement.RunSummary, error) {
	summary := procurement.RunSummary{
		RunID:     runID,
		Status:    procurement.RunRunning,
		StartedAt: p.clock.Now(),
	}
	logger := p.logger.With(zap.String("run_id", runID))
	logger.Info("ingestion run started")
	p.emitRun(progress.StageRunStart, summary, "")

	records, err := p.catalog.ListEligibleTriples(ctx)
	switch {
	case errors.Is(err, procurement.ErrConnection):
		summary.Error = err.Error()
		return p.finish(ctx, logger, summary, procurement.RunFailed, fmt.Errorf("list eligible triples: %w", err))
	case err != nil:
		// A failed catalog query degrades to an empty run.
		logger.Error("catalog query failed; continuing with no triples", zap.Error(err))
		summary.CatalogError = err.Error()
		records = nil
	}

	total := len(records)
	logger.Info("eligible triples loaded", zap.Int("triples", total))
	for i, rec := range records {
		if ctx.Err() != nil {
			break
		}
		summary.Record(p.processTriple(ctx, runID, i+1, total, rec))
	}

	if err := ctx.Err(); err != nil {
		summary.Error = err.Error()
		return p.finish(ctx, logger, summary, procurement.RunCanceled, fmt.Errorf("ingestion run canceled: %w", err))
	}
	status := procurement.RunSucceeded
	if summary.Totals.Triples > 0 && summary.Totals.FailedTriples == summary.Totals.Triples {
		status = procurement.RunFailed
		summary.Error = "every triple failed"
	}
	return p.finish(ctx, logger, summary, status, nil)
}

// RunTriple fetches and writes a single triple outside of a full run. It
// shares the run guard so it never overlaps a full run.
func (p *Pipeline) RunTriple(ctx context.Context, rec procurement.EligibilityRecord) (procurement.TripleOutcome, error) {
	if err := rec.Validate(); err != nil {
		return procurement.TripleOutcome{}, err
	}
	if !p.running.CompareAndSwap(false, true) {
		return procurement.TripleOutcome{}, ErrRunInProgress
	}
	defer p.running.Store(false)

	runID, err := p.ids.NewID()
	if err != nil {
		return procurement.TripleOutcome{}, fmt.Errorf("new run id: %w", err)
	}
	return p.processTriple(ctx, runID, 1, 1, rec), nil
}

func (p *Pipeline) processTriple(
	ctx context.Context,
	runID string,
	index, total int,
	rec procurement.EligibilityRecord,
) procurement.TripleOutcome {
	start := p.clock.Now()
	logger := p.logger.With(zap.String("run_id", runID)).With(logging.Triple(rec)...)
	p.progress.Emit(progress.Event{
		RunID:  runID,
		TS:     start,
		Stage:  progress.StageTripleStart,
		Index:  index,
		Total:  total,
		Triple: rec,
	})

	outcome := procurement.TripleOutcome{Record: rec}
	items, fetchErr := p.fetcher.FetchItems(ctx, rec.OrganizationID, rec.Year, rec.Sequence)
	outcome.Fetched = len(items)
	if fetchErr != nil {
		outcome.FetchError = fetchErr.Error()
		logger.Warn("item pagination stopped early", zap.Int("fetched", len(items)), zap.Error(fetchErr))
	}

	var writeErr error
	if len(items) > 0 {
		for i := range items {
			items[i].Attach(rec)
		}
		p.archive(ctx, logger, rec, items)
		outcome.Write, writeErr = p.writer.WriteBatch(ctx, items)
		if writeErr != nil {
			outcome.WriteError = writeErr.Error()
			logger.Error("item batch write failed", zap.Error(writeErr))
		}
	}

	outcome.Status = tripleStatus(outcome, fetchErr, writeErr)
	outcome.Duration = p.clock.Now().Sub(start)

	stage := progress.StageTripleDone
	note := ""
	if fetchErr != nil || writeErr != nil {
		stage = progress.StageTripleError
		note = joinErrors(fetchErr, writeErr)
	}
	p.progress.Emit(progress.Event{
		RunID:   runID,
		TS:      p.clock.Now(),
		Stage:   stage,
		Index:   index,
		Total:   total,
		Triple:  rec,
		Outcome: &outcome,
		Dur:     outcome.Duration,
		Note:    note,
	})
	logger.Info("triple processed",
		zap.String("status", string(outcome.Status)),
		zap.Int("fetched", outcome.Fetched),
		zap.Int("inserted", outcome.Write.Inserted),
		zap.Int("skipped", outcome.Write.Skipped),
		zap.Int("failed", outcome.Write.Failed),
		zap.Int("invalid", outcome.Write.Invalid),
		zap.Duration("dur", outcome.Duration),
	)
	return outcome
}

func (p *Pipeline) archive(ctx context.Context, logger *zap.Logger, rec procurement.EligibilityRecord, items []procurement.Item) {
	if p.archiver == nil {
		return
	}
	stored, err := p.archiver.Store(ctx, rec, items)
	if err != nil {
		logger.Warn("raw payload archive incomplete", zap.Int("stored", stored), zap.Error(err))
	}
}

// tripleStatus folds fetch and write results into one status.
func tripleStatus(out procurement.TripleOutcome, fetchErr, writeErr error) procurement.TripleStatus {
	switch {
	case writeErr != nil:
		return procurement.TripleFailed
	case fetchErr != nil && out.Fetched == 0:
		return procurement.TripleFailed
	case fetchErr != nil || out.Write.Failed > 0:
		return procurement.TriplePartial
	case out.Fetched == 0:
		return procurement.TripleEmpty
	default:
		return procurement.TripleCompleted
	}
}

func (p *Pipeline) finish(
	ctx context.Context,
	logger *zap.Logger,
	summary procurement.RunSummary,
	status procurement.RunStatus,
	runErr error,
) (procurement.RunSummary, error) {
	summary.Status = status
	summary.FinishedAt = p.clock.Now()

	stage := progress.StageRunDone
	if status != procurement.RunSucceeded {
		stage = progress.StageRunError
	}
	p.emitRun(stage, summary, summary.Error)

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("triples", summary.Totals.Triples),
		zap.Int("failed_triples", summary.Totals.FailedTriples),
		zap.Int("inserted", summary.Totals.Write.Inserted),
		zap.Duration("dur", summary.Duration()),
	}
	if runErr != nil {
		logger.Error("ingestion run ended", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("ingestion run finished", fields...)
	}

	if p.notifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		if err := p.notifier.RunFinished(notifyCtx, summary); err != nil {
			logger.Warn("run notification failed", zap.Error(err))
		}
		cancel()
	}
	return summary, runErr
}

// emitRun publishes a run-level event carrying a snapshot of summary.
func (p *Pipeline) emitRun(stage progress.Stage, summary procurement.RunSummary, note string) {
	snapshot := summary
	snapshot.Triples = append([]procurement.TripleOutcome(nil), summary.Triples...)
	p.progress.Emit(progress.Event{
		RunID:   summary.RunID,
		TS:      p.clock.Now(),
		Stage:   stage,
		Total:   summary.Totals.Triples,
		Summary: &snapshot,
		Dur:     summary.Duration(),
		Note:    note,
	})
}

func joinErrors(errs ...error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, "; ")
}
