package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pncp-item-ingest/internal/archive"
	"github.com/JakeFAU/pncp-item-ingest/internal/notify"
	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
	"github.com/JakeFAU/pncp-item-ingest/internal/progress"
	"github.com/JakeFAU/pncp-item-ingest/internal/publisher/memory"
	"github.com/JakeFAU/pncp-item-ingest/internal/source/pncp"
	storemem "github.com/JakeFAU/pncp-item-ingest/internal/storage/memory"
)

func triple(org string, seq int) procurement.EligibilityRecord {
	return procurement.EligibilityRecord{
		ControlID:      fmt.Sprintf("%s-1-%06d/2024", org, seq),
		OrganizationID: org,
		Year:           2024,
		Sequence:       seq,
	}
}

func items(n int) []procurement.Item {
	out := make([]procurement.Item, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, procurement.Item{
			ItemNumber: i,
			Raw:        json.RawMessage(fmt.Sprintf(`{"numeroItem":%d}`, i)),
		})
	}
	return out
}

type fakeCatalog struct {
	records []procurement.EligibilityRecord
	err     error
}

func (c *fakeCatalog) ListEligibleTriples(context.Context) ([]procurement.EligibilityRecord, error) {
	return c.records, c.err
}

type fetchResult struct {
	items []procurement.Item
	err   error
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]fetchResult
	calls   []string
	// hook runs before each fetch returns.
	hook func(ctx context.Context)
}

func (f *fakeFetcher) FetchItems(ctx context.Context, org string, year, seq int) ([]procurement.Item, error) {
	key := fmt.Sprintf("%s/%d/%d", org, year, seq)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	res := f.results[key]
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	// Hand out fresh copies so enrichment never leaks between runs.
	return append([]procurement.Item(nil), res.items...), res.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingWriter struct {
	procurement.BatchWriter
	mu     sync.Mutex
	calls  int
	failOn string
}

func (w *countingWriter) WriteBatch(ctx context.Context, batch []procurement.Item) (procurement.WriteResult, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	if len(batch) > 0 && batch[0].OrganizationID == w.failOn {
		return procurement.WriteResult{Failed: len(batch)}, fmt.Errorf("%w: begin batch: connection reset", procurement.ErrQuery)
	}
	return w.BatchWriter.WriteBatch(ctx, batch)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "run-" + strconv.Itoa(g.n), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type fixture struct {
	catalog  *fakeCatalog
	fetcher  *fakeFetcher
	store    *storemem.ItemStore
	writer   *countingWriter
	emitter  *recordingEmitter
	pipeline *Pipeline
}

func newFixture(t *testing.T, records []procurement.EligibilityRecord, results map[string]fetchResult) *fixture {
	t.Helper()
	f := &fixture{
		catalog: &fakeCatalog{records: records},
		fetcher: &fakeFetcher{results: results},
		store:   storemem.NewItemStore(),
		emitter: &recordingEmitter{},
	}
	f.writer = &countingWriter{BatchWriter: f.store}
	p, err := New(Deps{
		Catalog:  f.catalog,
		Fetcher:  f.fetcher,
		Writer:   f.writer,
		Clock:    &stepClock{now: time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)},
		IDs:      &seqIDs{},
		Progress: f.emitter,
	})
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func TestRunFullIngestionIsolatesTripleFailures(t *testing.T) {
	t.Parallel()

	a, b, c := triple("11111111000111", 1), triple("22222222000122", 2), triple("33333333000133", 3)
	f := newFixture(t, []procurement.EligibilityRecord{a, b, c}, map[string]fetchResult{
		a.String(): {items: items(2)},
		b.String(): {err: fmt.Errorf("%w: item 1: status 500", procurement.ErrTransport)},
		c.String(): {items: items(3)},
	})

	summary, err := f.pipeline.RunFullIngestion(context.Background())
	require.NoError(t, err)
	require.Equal(t, procurement.RunSucceeded, summary.Status)
	require.Equal(t, "run-1", summary.RunID)
	require.Len(t, summary.Triples, 3)
	require.Equal(t, procurement.TripleCompleted, summary.Triples[0].Status)
	require.Equal(t, procurement.TripleFailed, summary.Triples[1].Status)
	require.Contains(t, summary.Triples[1].FetchError, "status 500")
	require.Equal(t, procurement.TripleCompleted, summary.Triples[2].Status)
	require.Equal(t, 3, summary.Totals.Triples)
	require.Equal(t, 1, summary.Totals.FailedTriples)
	require.Equal(t, 5, summary.Totals.Fetched)
	require.Equal(t, 5, summary.Totals.Write.Inserted)
	require.True(t, summary.FinishedAt.After(summary.StartedAt))
	require.False(t, f.pipeline.Running())
}

func TestRunFullIngestionEnrichesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	rec := triple("11111111000111", 9)
	f := newFixture(t, []procurement.EligibilityRecord{rec}, map[string]fetchResult{
		rec.String(): {items: items(4)},
	})

	first, err := f.pipeline.RunFullIngestion(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, first.Totals.Write.Inserted)

	stored := f.store.Items()
	require.Len(t, stored, 4)
	for i, item := range stored {
		require.Equal(t, rec.ControlID, item.ControlID)
		require.Equal(t, rec.OrganizationID, item.OrganizationID)
		require.Equal(t, rec.Sequence, item.Sequence)
		require.Equal(t, i+1, item.ItemNumber)
	}

	second, err := f.pipeline.RunFullIngestion(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-2", second.RunID)
	require.Equal(t, 0, second.Totals.Write.Inserted)
	require.Equal(t, 4, second.Totals.Write.Skipped)
	require.Len(t, f.store.Items(), 4)
}

func TestRunFullIngestionAbortsOnCatalogConnectionError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.catalog.err = fmt.Errorf("%w: dial tcp: connection refused", procurement.ErrConnection)

	summary, err := f.pipeline.RunFullIngestion(context.Background())
	require.ErrorIs(t, err, procurement.ErrConnection)
	require.Equal(t, procurement.RunFailed, summary.Status)
	require.NotEmpty(t, summary.Error)
	require.Zero(t, f.fetcher.callCount())
	require.Equal(t, []progress.Stage{progress.StageRunStart, progress.StageRunError}, f.emitter.stages())
}

func TestRunFullIngestionContinuesOnCatalogQueryError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.catalog.err = fmt.Errorf("%w: relation does not exist", procurement.ErrQuery)

	summary, err := f.pipeline.RunFullIngestion(context.Background())
	require.NoError(t, err)
	require.Equal(t, procurement.RunSucceeded, summary.Status)
	require.Contains(t, summary.CatalogError, "relation does not exist")
	require.Zero(t, summary.Totals.Triples)
}

func TestRunFullIngestionEmptyTripleSkipsWriter(t *testing.T) {
	t.Parallel()

	rec := triple("11111111000111", 1)
	f := newFixture(t, []procurement.EligibilityRecord{rec}, map[string]fetchResult{})

	summary, err := f.pipeline.RunFullIngestion(context.Background())
	require.NoError(t, err)
	require.Equal(t, procurement.TripleEmpty, summary.Triples[0].Status)
	require.Equal(t, 1, summary.Totals.EmptyTriples)
	require.Zero(t, f.writer.calls)
}

func TestRunFullIngestionKeepsItemsCollectedBeforeFetchFailure(t *testing.T) {
	t.Parallel()

	rec := triple("11111111000111", 1)
	f := newFixture(t, []procurement.EligibilityRecord{rec}, map[string]fetchResult{
		rec.String(): {items: items(2), err: fmt.Errorf("%w: item 3: timeout", procurement.ErrTransport)},
	})

	summary, err := f.pipeline.RunFullIngestion(context.Background())
	require.NoError(t, err)
	out := summary.Triples[0]
	require.Equal(t, procurement.TriplePartial, out.Status)
	require.Equal(t, 2, out.Write.Inserted)
	require.Len(t, f.store.Items(), 2)

	stages := f.emitter.stages()
	require.Contains(t, stages, progress.StageTripleError)
}

func TestRunFullIngestionWriteErrorFailsOnlyThatTriple(t *testing.T) {
	t.Parallel()

	a, b := triple("11111111000111", 1), triple("22222222000122", 2)
	f := newFixture(t, []procurement.EligibilityRecord{a, b}, map[string]fetchResult{
		a.String(): {items: items(2)},
		b.String(): {items: items(2)},
	})
	f.writer.failOn = a.OrganizationID

	summary, err := f.pipeline.RunFullIngestion(context.Background())
	require.NoError(t, err)
	require.Equal(t, procurement.TripleFailed, summary.Triples[0].Status)
	require.Contains(t, summary.Triples[0].WriteError, "connection reset")
	require.Equal(t, procurement.TripleCompleted, summary.Triples[1].Status)
	require.Equal(t, 2, summary.Totals.Write.Inserted)
	require.Equal(t, 2, summary.Totals.Write.Failed)
}

func TestRunFullIngestionEveryTripleFailed(t *testing.T) {
	t.Parallel()

	rec := triple("11111111000111", 1)
	f := newFixture(t, []procurement.EligibilityRecord{rec}, map[string]fetchResult{
		rec.String(): {err: fmt.Errorf("%w: status 503", procurement.ErrTransport)},
	})

	summary, err := f.pipeline.RunFullIngestion(context.Background())
	require.NoError(t, err)
	require.Equal(t, procurement.RunFailed, summary.Status)
	require.Equal(t, "every triple failed", summary.Error)
}

func TestRunFullIngestionRejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	rec := triple("11111111000111", 1)
	f := newFixture(t, []procurement.EligibilityRecord{rec}, map[string]fetchResult{
		rec.String(): {items: items(1)},
	})
	entered := make(chan struct{})
	release := make(chan struct{})
	f.fetcher.hook = func(context.Context) {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.RunFullIngestion(context.Background())
		done <- err
	}()
	<-entered

	require.True(t, f.pipeline.Running())
	_, err := f.pipeline.RunFullIngestion(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)
	_, err = f.pipeline.RunTriple(context.Background(), rec)
	require.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
	require.False(t, f.pipeline.Running())
}

func TestRunFullIngestionStopsOnCancel(t *testing.T) {
	t.Parallel()

	a, b := triple("11111111000111", 1), triple("22222222000122", 2)
	f := newFixture(t, []procurement.EligibilityRecord{a, b}, map[string]fetchResult{
		a.String(): {items: items(1)},
		b.String(): {items: items(1)},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fetcher.hook = func(context.Context) { cancel() }

	summary, err := f.pipeline.RunFullIngestion(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, procurement.RunCanceled, summary.Status)
	require.Len(t, summary.Triples, 1)
	require.Equal(t, 1, f.fetcher.callCount())
}

func TestRunFullIngestionEmitsOrderedProgress(t *testing.T) {
	t.Parallel()

	a, b := triple("11111111000111", 1), triple("22222222000122", 2)
	f := newFixture(t, []procurement.EligibilityRecord{a, b}, map[string]fetchResult{
		a.String(): {items: items(1)},
	})

	_, err := f.pipeline.RunFullIngestion(context.Background())
	require.NoError(t, err)

	require.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageTripleStart, progress.StageTripleDone,
		progress.StageTripleStart, progress.StageTripleDone,
		progress.StageRunDone,
	}, f.emitter.stages())

	f.emitter.mu.Lock()
	defer f.emitter.mu.Unlock()
	for _, evt := range f.emitter.events {
		require.NoError(t, evt.Validate())
	}
	require.Equal(t, 2, f.emitter.events[3].Index)
	require.Equal(t, 2, f.emitter.events[3].Total)
	last := f.emitter.events[len(f.emitter.events)-1]
	require.Equal(t, procurement.RunSucceeded, last.Summary.Status)
	require.Len(t, last.Summary.Triples, 2)
}

func TestRunFullIngestionArchivesAndNotifies(t *testing.T) {
	t.Parallel()

	rec := triple("11111111000111", 4)
	blobs := storemem.NewBlobStore()
	archiver, err := archive.New(blobs, "items", nil)
	require.NoError(t, err)
	pub := memory.New()
	notifier, err := notify.New(pub, nil)
	require.NoError(t, err)

	p, err := New(Deps{
		Catalog:  &fakeCatalog{records: []procurement.EligibilityRecord{rec}},
		Fetcher:  &fakeFetcher{results: map[string]fetchResult{rec.String(): {items: items(2)}}},
		Writer:   storemem.NewItemStore(),
		Clock:    &stepClock{},
		IDs:      &seqIDs{},
		Archiver: archiver,
		Notifier: notifier,
	})
	require.NoError(t, err)

	summary, err := p.RunFullIngestion(context.Background())
	require.NoError(t, err)

	_, _, ok := blobs.Object("items/11111111000111/2024/4/2.json")
	require.True(t, ok)
	require.Len(t, blobs.Paths(), 2)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, notify.EventRunCompleted, msgs[0].Event)
	require.Equal(t, summary.RunID, msgs[0].Payload.(notify.RunCompleted).RunID)
}

func TestStartRunsInBackground(t *testing.T) {
	t.Parallel()

	rec := triple("11111111000111", 1)
	f := newFixture(t, []procurement.EligibilityRecord{rec}, map[string]fetchResult{
		rec.String(): {items: items(2)},
	})
	release := make(chan struct{})
	f.fetcher.hook = func(context.Context) { <-release }

	type result struct {
		summary procurement.RunSummary
		err     error
	}
	done := make(chan result, 1)
	runID, err := f.pipeline.Start(context.Background(), func(s procurement.RunSummary, err error) {
		done <- result{summary: s, err: err}
	})
	require.NoError(t, err)
	require.Equal(t, "run-1", runID)
	require.True(t, f.pipeline.Running())

	_, err = f.pipeline.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, runID, res.summary.RunID)
	require.Equal(t, 2, res.summary.Totals.Write.Inserted)
	require.False(t, f.pipeline.Running())
}

func TestRunTriple(t *testing.T) {
	t.Parallel()

	rec := triple("11111111000111", 5)
	f := newFixture(t, nil, map[string]fetchResult{rec.String(): {items: items(3)}})

	out, err := f.pipeline.RunTriple(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, procurement.TripleCompleted, out.Status)
	require.Equal(t, 3, out.Write.Inserted)

	_, err = f.pipeline.RunTriple(context.Background(), procurement.EligibilityRecord{OrganizationID: "x"})
	require.ErrorIs(t, err, procurement.ErrValidation)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{})
	require.Error(t, err)
}

func TestTripleStatus(t *testing.T) {
	t.Parallel()

	fetchErr := errors.New("fetch")
	writeErr := errors.New("write")
	cases := []struct {
		name     string
		out      procurement.TripleOutcome
		fetchErr error
		writeErr error
		want     procurement.TripleStatus
	}{
		{name: "empty", want: procurement.TripleEmpty},
		{name: "completed", out: procurement.TripleOutcome{Fetched: 2, Write: procurement.WriteResult{Inserted: 2}}, want: procurement.TripleCompleted},
		{name: "all skipped", out: procurement.TripleOutcome{Fetched: 2, Write: procurement.WriteResult{Skipped: 2}}, want: procurement.TripleCompleted},
		{name: "item failures", out: procurement.TripleOutcome{Fetched: 2, Write: procurement.WriteResult{Inserted: 1, Failed: 1}}, want: procurement.TriplePartial},
		{name: "fetch error with items", out: procurement.TripleOutcome{Fetched: 2}, fetchErr: fetchErr, want: procurement.TriplePartial},
		{name: "fetch error without items", fetchErr: fetchErr, want: procurement.TripleFailed},
		{name: "write error", out: procurement.TripleOutcome{Fetched: 2}, writeErr: writeErr, want: procurement.TripleFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tripleStatus(tc.out, tc.fetchErr, tc.writeErr))
		})
	}
}

// TestRunFullIngestionAgainstItemAPI drives the real fetcher against a fake
// PNCP API: five items then 404, ingested twice.
func TestRunFullIngestionAgainstItemAPI(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		requests int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		n, err := strconv.Atoi(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
		if err != nil || n > 5 {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"numeroItem":%d,"quantidade":3,"valorTotal":12.5}`, n)
	}))
	t.Cleanup(srv.Close)

	fetcher, err := pncp.New(pncp.Config{BaseURL: srv.URL + "/orgaos", Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	rec := triple("11111111000111", 1)
	store := storemem.NewItemStore()
	p, err := New(Deps{
		Catalog: &fakeCatalog{records: []procurement.EligibilityRecord{rec}},
		Fetcher: fetcher,
		Writer:  store,
		Clock:   &stepClock{},
		IDs:     &seqIDs{},
	})
	require.NoError(t, err)

	first, err := p.RunFullIngestion(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, first.Totals.Write.Inserted)
	mu.Lock()
	require.Equal(t, 6, requests)
	mu.Unlock()

	second, err := p.RunFullIngestion(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, second.Totals.Write.Inserted)
	require.Equal(t, 5, second.Totals.Write.Skipped)
	require.Len(t, store.Items(), 5)
}
