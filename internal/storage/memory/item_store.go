package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

// ItemStore keeps items in-memory with the same dedup and insert-only
// semantics as the Postgres store. Used for dry runs and tests.
type ItemStore struct {
	mu    sync.RWMutex
	items map[procurement.ItemKey]procurement.Item
}

// NewItemStore constructs an empty ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{items: make(map[procurement.ItemKey]procurement.Item)}
}

// ExistingKeys returns the stored keys belonging to controlIDs.
func (s *ItemStore) ExistingKeys(_ context.Context, controlIDs []string) (procurement.KeySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keysFor(controlIDs), nil
}

// keysFor must be called with mu held.
func (s *ItemStore) keysFor(controlIDs []string) procurement.KeySet {
	wanted := make(map[string]struct{}, len(controlIDs))
	for _, id := range controlIDs {
		wanted[id] = struct{}{}
	}
	keys := procurement.KeySet{}
	for key := range s.items {
		if _, ok := wanted[key.ControlID]; ok {
			keys.Add(key)
		}
	}
	return keys
}

// WriteBatch validates items, resolves the keys already stored for their
// control ids, and inserts the rest. Duplicates inside the batch are skipped.
func (s *ItemStore) WriteBatch(_ context.Context, items []procurement.Item) (procurement.WriteResult, error) {
	var result procurement.WriteResult

	valid := make([]procurement.Item, 0, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if err := item.Validate(); err != nil {
			result.Invalid++
			continue
		}
		valid = append(valid, item)
		ids = append(ids, item.ControlID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	known := s.keysFor(ids)
	for _, item := range valid {
		key := item.Key()
		if known.Has(key) {
			result.Skipped++
			continue
		}
		known.Add(key)
		s.items[key] = item
		result.Inserted++
	}
	return result, nil
}

// Items returns the stored items ordered by control id and item number.
func (s *ItemStore) Items() []procurement.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]procurement.Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ControlID != out[j].ControlID {
			return out[i].ControlID < out[j].ControlID
		}
		return out[i].ItemNumber < out[j].ItemNumber
	})
	return out
}
