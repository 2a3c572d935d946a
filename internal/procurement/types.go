// Package procurement defines the core types shared across the ingest subsystems.
package procurement

import (
	"fmt"
	"time"
)

// EligibilityRecord identifies one purchase whose items should be fetched.
type EligibilityRecord struct {
	ControlID      string `json:"control_id"`
	OrganizationID string `json:"organization_id"`
	Sequence       int    `json:"sequence"`
	Year           int    `json:"year"`
}

// String renders the (organization, year, sequence) triple for logs.
func (r EligibilityRecord) String() string {
	return fmt.Sprintf("%s/%d/%d", r.OrganizationID, r.Year, r.Sequence)
}

// Validate checks that the record carries enough to fetch and enrich items.
func (r EligibilityRecord) Validate() error {
	switch {
	case r.ControlID == "":
		return fmt.Errorf("%w: control id is required", ErrValidation)
	case r.OrganizationID == "":
		return fmt.Errorf("%w: organization id is required", ErrValidation)
	case r.Year <= 0:
		return fmt.Errorf("%w: year must be > 0", ErrValidation)
	case r.Sequence <= 0:
		return fmt.Errorf("%w: sequence must be > 0", ErrValidation)
	}
	return nil
}

// ItemKey is the natural key enforced by the item table.
type ItemKey struct {
	ControlID  string
	ItemNumber int
}

// KeySet is a set of persisted item keys.
type KeySet map[ItemKey]struct{}

// Has reports whether key is in the set.
func (s KeySet) Has(key ItemKey) bool {
	_, ok := s[key]
	return ok
}

// Add inserts key into the set.
func (s KeySet) Add(key ItemKey) {
	s[key] = struct{}{}
}

// WriteResult tallies the outcome of one WriteBatch call.
type WriteResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Invalid  int `json:"invalid"`
}

// Add accumulates other into r.
func (r *WriteResult) Add(other WriteResult) {
	r.Inserted += other.Inserted
	r.Skipped += other.Skipped
	r.Failed += other.Failed
	r.Invalid += other.Invalid
}

// Total returns the number of items accounted for.
func (r WriteResult) Total() int {
	return r.Inserted + r.Skipped + r.Failed + r.Invalid
}

// TripleStatus summarizes how one triple fared.
type TripleStatus string

// Triple outcomes recorded in a run summary.
const (
	TripleCompleted TripleStatus = "completed"
	TripleEmpty     TripleStatus = "empty"
	TriplePartial   TripleStatus = "partial"
	TripleFailed    TripleStatus = "failed"
)

// TripleOutcome is the per-triple entry of a run summary.
type TripleOutcome struct {
	Record     EligibilityRecord `json:"record"`
	Status     TripleStatus      `json:"status"`
	Fetched    int               `json:"fetched"`
	Write      WriteResult       `json:"write"`
	FetchError string            `json:"fetch_error,omitempty"`
	WriteError string            `json:"write_error,omitempty"`
	Duration   time.Duration     `json:"duration_ns"`
}

// RunStatus is the lifecycle state of an ingestion run.
type RunStatus string

// Run statuses shared by the summary and the run history table.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// RunTotals aggregates triple outcomes across a run.
type RunTotals struct {
	Triples       int         `json:"triples"`
	EmptyTriples  int         `json:"empty_triples"`
	FailedTriples int         `json:"failed_triples"`
	Fetched       int         `json:"fetched"`
	Write         WriteResult `json:"write"`
}

// RunSummary is the structured result of RunFullIngestion.
type RunSummary struct {
	RunID        string          `json:"run_id"`
	Status       RunStatus       `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	CatalogError string          `json:"catalog_error,omitempty"`
	Error        string          `json:"error,omitempty"`
	Triples      []TripleOutcome `json:"triples"`
	Totals       RunTotals       `json:"totals"`
}

// Record appends outcome and folds it into the totals.
func (s *RunSummary) Record(outcome TripleOutcome) {
	s.Triples = append(s.Triples, outcome)
	s.Totals.Triples++
	s.Totals.Fetched += outcome.Fetched
	s.Totals.Write.Add(outcome.Write)
	switch outcome.Status {
	case TripleEmpty:
		s.Totals.EmptyTriples++
	case TripleFailed:
		s.Totals.FailedTriples++
	}
}

// Duration returns the wall time of the run, or zero while it is running.
func (s RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
