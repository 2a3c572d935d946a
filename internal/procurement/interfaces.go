package procurement

import (
	"context"
	"time"
)

// Catalog enumerates the triples eligible for ingestion.
type Catalog interface {
	ListEligibleTriples(ctx context.Context) ([]EligibilityRecord, error)
}

// ItemFetcher paginates the items of one triple. It may return a non-empty
// slice together with an error when pagination stopped early; the items
// collected before the failure are still valid.
type ItemFetcher interface {
	FetchItems(ctx context.Context, organizationID string, year, sequence int) ([]Item, error)
}

// BatchWriter persists new items, skipping duplicates.
type BatchWriter interface {
	WriteBatch(ctx context.Context, items []Item) (WriteResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
