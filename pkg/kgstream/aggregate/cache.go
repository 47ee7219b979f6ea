package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
)

// Entry is a cached entity state.
type Entry[S any] struct {
	State    S
	Revision uint64
}

// Cache is a read-side copy of aggregate states populated from a tag
// stream. Reads may lag the log; they never block on the aggregate's
// workers.
//
// Run first consumes the events present when it starts, marks the cache
// ready, then follows the live stream. A restarted Run continues from the
// last offset the cache applied.
type Cache[S, C, E any] struct {
	def    Definition[S, C, E]
	log    eventlog.Log
	tag    eventlog.Tag
	opts   []eventlog.StreamOption
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[entity.ID]Entry[S]
	offset  eventlog.Offset

	readyOnce sync.Once
	ready     chan struct{}
}

// CacheOption configures a Cache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	stream []eventlog.StreamOption
	logger *slog.Logger
}

// WithCacheStreamOptions sets the tag stream options.
func WithCacheStreamOptions(opts ...eventlog.StreamOption) CacheOption {
	return func(c *cacheConfig) {
		c.stream = append(c.stream, opts...)
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *cacheConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCache creates a cache of def's states fed by events carrying tag.
// Events of other entity types on the same tag are ignored.
func NewCache[S, C, E any](def Definition[S, C, E], log eventlog.Log, tag eventlog.Tag, opts ...CacheOption) *Cache[S, C, E] {
	cfg := cacheConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache[S, C, E]{
		def:     def,
		log:     log,
		tag:     tag,
		opts:    cfg.stream,
		logger:  cfg.logger.With(slog.String("cache", string(tag))),
		entries: make(map[entity.ID]Entry[S]),
		ready:   make(chan struct{}),
	}
}

// Get returns the cached state of id.
func (c *Cache[S, C, E]) Get(id entity.ID) (S, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return c.def.Initial, 0, false
	}
	return e.State, e.Revision, true
}

// Len returns the number of cached entities.
func (c *Cache[S, C, E]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Offset returns the last applied offset.
func (c *Cache[S, C, E]) Offset() eventlog.Offset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Ready is closed once the events present at the first Run have been applied.
func (c *Cache[S, C, E]) Ready() <-chan struct{} {
	return c.ready
}

// Run populates the cache until ctx is cancelled or the log fails.
// Cancellation returns nil.
func (c *Cache[S, C, E]) Run(ctx context.Context) error {
	for env, err := range eventlog.CurrentEventsByTag(ctx, c.log, c.tag, c.Offset(), c.opts...) {
		if err != nil {
			return c.exit(ctx, err)
		}
		if err := c.apply(ctx, env); err != nil {
			return err
		}
	}
	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.Info("cache populated", slog.Int("entities", c.Len()), slog.Uint64("offset", uint64(c.Offset())))

	for env, err := range eventlog.EventsByTag(ctx, c.log, c.tag, c.Offset(), c.opts...) {
		if err != nil {
			return c.exit(ctx, err)
		}
		if err := c.apply(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache[S, C, E]) exit(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// apply folds one event into the cache. Duplicates are skipped; a gap in an
// entity's revisions is filled from the log.
func (c *Cache[S, C, E]) apply(ctx context.Context, env eventlog.Envelope) error {
	ev := env.Event
	if ev.EntityType != c.def.EntityType {
		c.advance(env.Offset)
		return nil
	}

	c.mu.RLock()
	cur, ok := c.entries[ev.EntityID]
	c.mu.RUnlock()
	if !ok {
		cur = Entry[S]{State: c.def.Initial}
	}

	switch {
	case ev.Revision <= cur.Revision:
	case ev.Revision == cur.Revision+1:
		s, err := c.def.apply(cur.State, ev)
		if err != nil {
			return fmt.Errorf("cache %s: %w", c.tag, err)
		}
		cur = Entry[S]{State: s, Revision: ev.Revision}
	default:
		s, err := eventlog.FetchStateAt(ctx, c.log, c.def.EntityType, ev.EntityID, ev.Revision, c.def.Initial, c.def.apply)
		if err != nil {
			return fmt.Errorf("cache %s: reload %s: %w", c.tag, ev.EntityID, err)
		}
		cur = Entry[S]{State: s, Revision: ev.Revision}
	}

	c.mu.Lock()
	c.entries[ev.EntityID] = cur
	if env.Offset > c.offset {
		c.offset = env.Offset
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache[S, C, E]) advance(offset eventlog.Offset) {
	c.mu.Lock()
	if offset > c.offset {
		c.offset = offset
	}
	c.mu.Unlock()
}
