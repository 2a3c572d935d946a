package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
	"github.com/JakeFAU/pncp-item-ingest/internal/progress"
)

// TestPrometheusSinkTracksRunsAndTriples checks run gauges and item counters follow the events.
func TestPrometheusSinkTracksRunsAndTriples(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now().UTC()
	running := &procurement.RunSummary{RunID: "run-1", Status: procurement.RunRunning, StartedAt: now}
	done := &procurement.RunSummary{RunID: "run-1", Status: procurement.RunSucceeded, StartedAt: now, FinishedAt: now.Add(time.Minute)}
	outcome := &procurement.TripleOutcome{
		Record:   testRecord(),
		Status:   procurement.TriplePartial,
		Fetched:  5,
		Write:    procurement.WriteResult{Inserted: 3, Skipped: 1, Failed: 1},
		Duration: 2 * time.Second,
	}

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageRunStart, Summary: running},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageTripleDone, Outcome: outcome, Index: 1, Total: 1},
		{RunID: "run-1", TS: now, Stage: progress.StageRunDone, Summary: done, Dur: time.Minute},
	}))

	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("succeeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.triples.WithLabelValues("partial")))
	require.Equal(t, 5.0, testutil.ToFloat64(sink.items.WithLabelValues("fetched")))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.items.WithLabelValues("inserted")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("skipped")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("failed")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration))
	require.Equal(t, 1, testutil.CollectAndCount(sink.tripleDuration))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func testRecord() procurement.EligibilityRecord {
	return procurement.EligibilityRecord{
		ControlID:      "00394452000103-1-000001/2024",
		OrganizationID: "00394452000103",
		Year:           2024,
		Sequence:       1,
	}
}
