package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/logging"
	"github.com/JakeFAU/pncp-item-ingest/internal/progress"
)

// LogSink emits one structured log line per event. It is the progress view
// for scheduled runs, where nobody watches a console.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageRunStart:
			s.logger.Info("ingestion run started", fields...)
		case progress.StageRunDone, progress.StageRunError:
			totals := evt.Summary.Totals
			fields = append(fields,
				zap.String("status", string(evt.Summary.Status)),
				zap.Int("triples", totals.Triples),
				zap.Int("empty_triples", totals.EmptyTriples),
				zap.Int("failed_triples", totals.FailedTriples),
				zap.Int("fetched", totals.Fetched),
				zap.Int("inserted", totals.Write.Inserted),
				zap.Int("skipped", totals.Write.Skipped),
				zap.Int("failed", totals.Write.Failed),
				zap.Int("invalid", totals.Write.Invalid),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Stage == progress.StageRunError {
				s.logger.Error("ingestion run failed", append(fields, zap.String("note", evt.Note))...)
				continue
			}
			s.logger.Info("ingestion run finished", fields...)
		case progress.StageTripleStart:
			fields = append(fields, zap.Int("index", evt.Index), zap.Int("total", evt.Total))
			s.logger.Debug("triple started", append(fields, logging.Triple(evt.Triple)...)...)
		case progress.StageTripleDone, progress.StageTripleError:
			out := evt.Outcome
			fields = append(fields, logging.Triple(out.Record)...)
			fields = append(fields,
				zap.String("status", string(out.Status)),
				zap.Int("fetched", out.Fetched),
				zap.Int("inserted", out.Write.Inserted),
				zap.Int("skipped", out.Write.Skipped),
				zap.Int("failed", out.Write.Failed),
				zap.Int("invalid", out.Write.Invalid),
				zap.Duration("dur", out.Duration),
			)
			if evt.Stage == progress.StageTripleError {
				s.logger.Warn("triple failed", append(fields, zap.String("note", evt.Note))...)
				continue
			}
			s.logger.Info("triple finished", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
