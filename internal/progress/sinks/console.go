package sinks

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/JakeFAU/pncp-item-ingest/internal/progress"
)

// ConsoleSink prints a human-readable progress line per event, for the
// interactive ingest command.
type ConsoleSink struct {
	w io.Writer
}

// NewConsoleSink writes progress lines to w.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

// Consume renders each event in the batch.
func (s *ConsoleSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if err := s.print(evt); err != nil {
			return fmt.Errorf("write progress line: %w", err)
		}
	}
	return nil
}

func (s *ConsoleSink) print(evt progress.Event) error {
	var err error
	switch evt.Stage {
	case progress.StageRunStart:
		_, err = fmt.Fprintf(s.w, "run %s started\n", evt.RunID)
	case progress.StageTripleStart:
		_, err = fmt.Fprintf(s.w, "[%d/%d] %s (%s) fetching\n", evt.Index, evt.Total, evt.Triple, evt.Triple.ControlID)
	case progress.StageTripleDone, progress.StageTripleError:
		out := evt.Outcome
		_, err = fmt.Fprintf(s.w, "[%d/%d] %s %s: fetched=%d inserted=%d skipped=%d failed=%d invalid=%d (%s)\n",
			evt.Index, evt.Total, out.Record, out.Status,
			out.Fetched, out.Write.Inserted, out.Write.Skipped, out.Write.Failed, out.Write.Invalid,
			out.Duration.Round(time.Millisecond),
		)
		if err == nil && evt.Note != "" {
			_, err = fmt.Fprintf(s.w, "    %s\n", evt.Note)
		}
	case progress.StageRunDone, progress.StageRunError:
		totals := evt.Summary.Totals
		_, err = fmt.Fprintf(s.w, "run %s %s: triples=%d empty=%d failed=%d fetched=%d inserted=%d skipped=%d item_failures=%d invalid=%d (%s)\n",
			evt.RunID, evt.Summary.Status,
			totals.Triples, totals.EmptyTriples, totals.FailedTriples, totals.Fetched,
			totals.Write.Inserted, totals.Write.Skipped, totals.Write.Failed, totals.Write.Invalid,
			evt.Dur.Round(time.Millisecond),
		)
		if err == nil && evt.Note != "" {
			_, err = fmt.Fprintf(s.w, "    %s\n", evt.Note)
		}
	}
	return err
}

// Close implements the Sink interface; it performs no action.
func (s *ConsoleSink) Close(context.Context) error {
	return nil
}
