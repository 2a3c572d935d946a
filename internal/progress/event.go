package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StageTripleStart Stage = "TRIPLE_START"
	StageTripleDone  Stage = "TRIPLE_DONE"
	StageTripleError Stage = "TRIPLE_ERROR"
)

func (s Stage) runLevel() bool {
	return s == StageRunStart || s == StageRunDone || s == StageRunError
}

// Event captures a single step of an ingestion run.
type Event struct {
	// RunID identifies the ingestion run.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Index is the 1-based position of the triple within the run and Total
	// the number of triples the catalog returned.
	Index int
	Total int
	// Triple scopes triple events.
	Triple procurement.EligibilityRecord
	// Outcome carries the result of TRIPLE_DONE and TRIPLE_ERROR.
	Outcome *procurement.TripleOutcome
	// Summary is a snapshot of the run for run-level stages.
	Summary *procurement.RunSummary
	// Dur captures elapsed time for completed triples and runs.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
		if e.Summary == nil {
			return fmt.Errorf("%s requires a run summary", e.Stage)
		}
	case StageTripleStart:
		if e.Triple.ControlID == "" {
			return errors.New("triple start requires a triple")
		}
	case StageTripleDone, StageTripleError:
		if e.Outcome == nil {
			return fmt.Errorf("%s requires an outcome", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
