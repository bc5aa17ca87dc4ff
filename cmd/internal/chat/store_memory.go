package chat

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the dev/test fallback used when no database is configured.
type MemoryStore struct {
	mu  sync.Mutex
	ims []IM
}

// NewMemoryStore constructs an empty in-memory MessageStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveBatch appends the batch.
func (s *MemoryStore) SaveBatch(ctx context.Context, ims []IM) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ims = append(s.ims, ims...)
	return nil
}

// RecentBefore mirrors the SQL query: timestamp <= latest, newest first,
// capped at limit.
func (s *MemoryStore) RecentBefore(ctx context.Context, latest Timestamp, limit int) ([]IM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	snap := make([]IM, 0, len(s.ims))
	for _, im := range s.ims {
		if im.Timestamp <= latest {
			snap = append(snap, im)
		}
	}
	s.mu.Unlock()

	// Newest first. Ties keep reverse insertion order so that reversing the
	// window for delivery restores the original send order.
	for i, j := 0, len(snap)-1; i < j; i, j = i+1, j-1 {
		snap[i], snap[j] = snap[j], snap[i]
	}
	sort.SliceStable(snap, func(i, j int) bool { return snap[i].Timestamp > snap[j].Timestamp })

	if len(snap) > limit {
		snap = snap[:limit]
	}
	return snap, nil
}
