package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pncp-item-ingest/internal/progress"
)

// PrometheusSink exports ingestion progress via Prometheus. It owns the run,
// triple and item collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	triples        *prometheus.CounterVec
	tripleDuration *prometheus.HistogramVec
	items          *prometheus.CounterVec

	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_runs_started_total",
			Help: "Total ingestion runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_runs_completed_total",
			Help: "Total ingestion runs completed partitioned by status.",
		}, []string{"status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_runs_running",
			Help: "Current number of running ingestion runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400, 43200},
		}, []string{"status"}),
		triples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_triples_total",
			Help: "Processed triples partitioned by outcome status.",
		}, []string{"status"}),
		tripleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_triple_duration_seconds",
			Help:    "Time spent fetching and writing one triple.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_items_total",
			Help: "Items handled partitioned by outcome (fetched, inserted, skipped, failed, invalid).",
		}, []string{"outcome"}),
		running: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.triples,
		s.tripleDuration,
		s.items,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. The hub invokes sinks from a
// single goroutine.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if _, ok := s.running[evt.RunID]; !ok {
				s.running[evt.RunID] = struct{}{}
				s.runsRunning.Inc()
			}
		case progress.StageRunDone, progress.StageRunError:
			status := string(evt.Summary.Status)
			s.runsCompleted.WithLabelValues(status).Inc()
			if evt.Dur > 0 {
				s.runDuration.WithLabelValues(status).Observe(evt.Dur.Seconds())
			}
			if _, ok := s.running[evt.RunID]; ok {
				delete(s.running, evt.RunID)
				s.runsRunning.Dec()
			}
		case progress.StageTripleDone, progress.StageTripleError:
			out := evt.Outcome
			status := string(out.Status)
			s.triples.WithLabelValues(status).Inc()
			if out.Duration > 0 {
				s.tripleDuration.WithLabelValues(status).Observe(out.Duration.Seconds())
			}
			s.addItems("fetched", out.Fetched)
			s.addItems("inserted", out.Write.Inserted)
			s.addItems("skipped", out.Write.Skipped)
			s.addItems("failed", out.Write.Failed)
			s.addItems("invalid", out.Write.Invalid)
		}
	}
	return nil
}

func (s *PrometheusSink) addItems(outcome string, n int) {
	if n > 0 {
		s.items.WithLabelValues(outcome).Add(float64(n))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
