package keys

import (
	"context"
	"sort"
	"sync"

	"github.com/kenneth/segment-key-gateway/internal/content"
)

// MemoryStore keeps records in process. It is meant for tests and single
// node development.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]KeyRecord
	byContent map[string][]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]KeyRecord),
		byContent: make(map[string][]string),
	}
}

func contentIndexKey(ref content.Ref, variant content.Variant) string {
	return ref.CacheKey() + ":" + string(variant)
}

func (s *MemoryStore) Put(ctx context.Context, records []KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.byID[rec.KeyID] = rec
		idx := contentIndexKey(rec.Content, rec.Variant)
		s.byContent[idx] = append(s.byContent[idx], rec.KeyID)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, keyID string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) ListByContent(_ context.Context, ref content.Ref, variant content.Variant) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byContent[contentIndexKey(ref, variant)]
	out := make([]KeyRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SegmentIndex < out[j].SegmentIndex })
	return out, nil
}

func (s *MemoryStore) CountByContent(_ context.Context, ref content.Ref, variant content.Variant) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byContent[contentIndexKey(ref, variant)]), nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close(context.Context) error { return nil }
