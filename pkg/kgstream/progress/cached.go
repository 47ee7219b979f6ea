package progress

import (
	"context"
	"errors"
	"fmt"
)

// CachedStore puts a fast cache tier in front of a durable tier.
//
// Reads are served from the cache and fall through to the durable store on
// a miss. Writes go to the durable store first and reach the cache only
// once the durable write succeeded, so the cache never runs ahead of what
// survives a crash.
type CachedStore struct {
	cache   Store
	durable Store
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore layers cache over durable. A nil cache uses a MemoryStore.
func NewCachedStore(cache, durable Store) *CachedStore {
	if cache == nil {
		cache = NewMemoryStore()
	}
	return &CachedStore{cache: cache, durable: durable}
}

// Save implements Store.
func (s *CachedStore) Save(ctx context.Context, projection string, p Progress) error {
	if err := s.durable.Save(ctx, projection, p); err != nil {
		return err
	}
	if err := s.cache.Save(ctx, projection, p); err != nil {
		return fmt.Errorf("cache tier: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *CachedStore) Load(ctx context.Context, projection string) (Progress, error) {
	p, err := s.cache.Load(ctx, projection)
	if err == nil && !p.IsZero() {
		return p, nil
	}

	p, err = s.durable.Load(ctx, projection)
	if err != nil {
		return NoProgress, err
	}
	if !p.IsZero() {
		// A failed fill only costs a later cache miss.
		_ = s.cache.Save(ctx, projection, p)
	}
	return p, nil
}

// Delete implements Store. Both tiers are cleared.
func (s *CachedStore) Delete(ctx context.Context, projection string) error {
	return errors.Join(
		s.durable.Delete(ctx, projection),
		s.cache.Delete(ctx, projection),
	)
}

// Close implements Store. Both tiers are closed.
func (s *CachedStore) Close() error {
	return errors.Join(s.cache.Close(), s.durable.Close())
}
