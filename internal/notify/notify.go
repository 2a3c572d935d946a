// Package notify announces finished ingestion runs to downstream consumers.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

// EventRunCompleted is the event attribute of run notifications.
const EventRunCompleted = "ingest.run.completed"

// Publisher sends a payload tagged with an event name.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// RunCompleted is the message body published when a run ends. Per-triple
// outcomes stay in the run history; consumers get the totals.
type RunCompleted struct {
	RunID        string                `json:"run_id"`
	Status       procurement.RunStatus `json:"status"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   time.Time             `json:"finished_at"`
	CatalogError string                `json:"catalog_error,omitempty"`
	Error        string                `json:"error,omitempty"`
	Totals       procurement.RunTotals `json:"totals"`
}

// Notifier publishes RunCompleted messages.
type Notifier struct {
	publisher Publisher
	logger    *zap.Logger
}

// New wires a Notifier to publisher.
func New(publisher Publisher, logger *zap.Logger) (*Notifier, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{publisher: publisher, logger: logger.Named("notify")}, nil
}

// RunFinished publishes the summary of a finished run.
func (n *Notifier) RunFinished(ctx context.Context, summary procurement.RunSummary) error {
	msg := RunCompleted{
		RunID:        summary.RunID,
		Status:       summary.Status,
		StartedAt:    summary.StartedAt,
		FinishedAt:   summary.FinishedAt,
		CatalogError: summary.CatalogError,
		Error:        summary.Error,
		Totals:       summary.Totals,
	}
	id, err := n.publisher.Publish(ctx, EventRunCompleted, msg)
	if err != nil {
		return fmt.Errorf("publish run %s: %w", summary.RunID, err)
	}
	n.logger.Info("run notification published",
		zap.String("run_id", summary.RunID),
		zap.String("message_id", id),
	)
	return nil
}
