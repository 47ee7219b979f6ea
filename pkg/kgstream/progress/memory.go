package progress

import (
	"context"
	"sync"
)

// MemoryStore keeps progress in memory.
// It is suitable for tests, examples and as the cache tier of a CachedStore.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]Progress
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Progress)}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, projection string, p Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkProjection(projection); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if cur, ok := s.data[projection]; ok && p.Offset < cur.Offset {
		return nil
	}
	p.Timestamp = p.Timestamp.UTC()
	s.data[projection] = p
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, projection string) (Progress, error) {
	if err := ctx.Err(); err != nil {
		return NoProgress, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return NoProgress, ErrStoreClosed
	}
	return s.data[projection], nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, projection string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.data, projection)
	return nil
}

// Len returns the number of projections with stored progress.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = nil
	return nil
}
