package sinks

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
	"github.com/JakeFAU/pncp-item-ingest/internal/progress"
)

// TestStoreSinkPersistsRunLifecycle ensures only run-level stages reach the repository.
func TestStoreSinkPersistsRunLifecycle(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Now().UTC()

	start := &procurement.RunSummary{RunID: "run-1", Status: procurement.RunRunning, StartedAt: now}
	final := &procurement.RunSummary{RunID: "run-1", Status: procurement.RunSucceeded, StartedAt: now, FinishedAt: now.Add(time.Second)}
	batch := []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageRunStart, Summary: start},
		{RunID: "run-1", TS: now, Stage: progress.StageTripleStart, Triple: testRecord()},
		{RunID: "run-1", TS: now, Stage: progress.StageTripleDone, Outcome: &procurement.TripleOutcome{Status: procurement.TripleEmpty}},
		{RunID: "run-1", TS: now, Stage: progress.StageRunDone, Summary: final},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.started, 1)
	require.Equal(t, procurement.RunRunning, repo.started[0].Status)
	require.Len(t, repo.completed, 1)
	require.Equal(t, procurement.RunSucceeded, repo.completed[0].Status)
}

func TestStoreSinkPropagatesRepositoryErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{err: errors.New("db down")}
	sink := NewStoreSink(repo, nil)
	now := time.Now().UTC()

	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageRunStart, Summary: &procurement.RunSummary{RunID: "run-1"}},
	})
	require.ErrorContains(t, err, "db down")
}

// TestConsoleSinkRendersProgress checks the interactive progress lines.
func TestConsoleSinkRendersProgress(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)
	now := time.Now().UTC()
	rec := testRecord()

	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageRunStart, Summary: &procurement.RunSummary{}},
		{RunID: "run-1", TS: now, Stage: progress.StageTripleStart, Triple: rec, Index: 1, Total: 2},
		{RunID: "run-1", TS: now, Stage: progress.StageTripleError, Index: 1, Total: 2, Note: "source request failed: status 500",
			Outcome: &procurement.TripleOutcome{Record: rec, Status: procurement.TripleFailed}},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "run run-1 started", lines[0])
	require.Equal(t, "[1/2] 00394452000103/2024/1 (00394452000103-1-000001/2024) fetching", lines[1])
	require.Contains(t, lines[2], "[1/2] 00394452000103/2024/1 failed: fetched=0")
	require.Equal(t, "    source request failed: status 500", lines[3])
}

type fakeRunRepo struct {
	mu        sync.Mutex
	started   []procurement.RunSummary
	completed []procurement.RunSummary
	err       error
}

func (f *fakeRunRepo) StartRun(_ context.Context, summary procurement.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, summary)
	return nil
}

func (f *fakeRunRepo) CompleteRun(_ context.Context, summary procurement.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.completed = append(f.completed, summary)
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, string) (procurement.RunSummary, error) {
	return procurement.RunSummary{}, nil
}

func (f *fakeRunRepo) ListRuns(context.Context, *procurement.RunStatus, int, int) ([]procurement.RunSummary, error) {
	return nil, nil
}
