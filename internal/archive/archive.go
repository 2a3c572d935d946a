// Package archive keeps the raw JSON payload of every fetched item in a blob
// store, keyed by the triple it belongs to.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
	"github.com/JakeFAU/pncp-item-ingest/internal/storage"
)

const contentType = "application/json"

// Archiver writes raw item payloads to a storage.BlobStore.
type Archiver struct {
	store  storage.BlobStore
	prefix string
	logger *zap.Logger
}

// New builds an Archiver. Objects land under prefix when it is non-empty.
func New(store storage.BlobStore, prefix string, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("archive"),
	}, nil
}

// ObjectPath renders {prefix}/{org}/{year}/{seq}/{n}.json.
func (a *Archiver) ObjectPath(rec procurement.EligibilityRecord, itemNumber int) string {
	return path.Join(
		a.prefix,
		rec.OrganizationID,
		strconv.Itoa(rec.Year),
		strconv.Itoa(rec.Sequence),
		strconv.Itoa(itemNumber)+".json",
	)
}

// Store archives every item that still carries its raw payload and returns the
// number of objects written. Archiving is best effort: a failed upload is
// logged and the remaining items are still attempted; the first error is
// returned.
func (a *Archiver) Store(ctx context.Context, rec procurement.EligibilityRecord, items []procurement.Item) (int, error) {
	var (
		stored   int
		firstErr error
	)
	for _, item := range items {
		if len(item.Raw) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stored, fmt.Errorf("archive %s: %w", rec, err)
		}
		objectPath := a.ObjectPath(rec, item.ItemNumber)
		uri, err := a.store.PutObject(ctx, objectPath, contentType, bytes.NewReader(item.Raw))
		if err != nil {
			a.logger.Warn("archive item failed",
				zap.String("control_id", rec.ControlID),
				zap.Int("item_number", item.ItemNumber),
				zap.String("path", objectPath),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("archive item %d of %s: %w", item.ItemNumber, rec, err)
			}
			continue
		}
		stored++
		a.logger.Debug("item archived", zap.String("uri", uri))
	}
	return stored, firstErr
}
