package eventlog

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
)

// Default tag stream settings.
const (
	DefaultPageSize     = 256
	DefaultPollInterval = time.Second
)

// AllReader is implemented by logs that can scan the global order
// without a tag filter.
type AllReader interface {
	ReadAll(ctx context.Context, after Offset, limit int) ([]Envelope, error)
}

// StreamOption configures EventsByTag and CurrentEventsByTag.
type StreamOption func(*streamConfig)

type streamConfig struct {
	pageSize     int
	pollInterval time.Duration
}

// WithPageSize sets how many events are read per page.
func WithPageSize(n int) StreamOption {
	return func(c *streamConfig) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithPollInterval sets how often an idle live stream re-reads the log when
// no append notification arrives.
func WithPollInterval(d time.Duration) StreamOption {
	return func(c *streamConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func newStreamConfig(opts []StreamOption) streamConfig {
	c := streamConfig{pageSize: DefaultPageSize, pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// EventsByTag returns an endless sequence of the events carrying tag with
// offsets strictly greater than from, in offset order. Once caught up it
// waits for the next append. The sequence ends after yielding an error,
// including ctx.Err() on cancellation.
func EventsByTag(ctx context.Context, log Log, tag Tag, from Offset, opts ...StreamOption) iter.Seq2[Envelope, error] {
	cfg := newStreamConfig(opts)
	return func(yield func(Envelope, error) bool) {
		after := from
		for {
			// Taken before reading so an append racing the read still wakes us.
			notify := log.Notify()

			page, err := log.ReadByTag(ctx, tag, after, cfg.pageSize)
			if err != nil {
				yield(Envelope{}, fmt.Errorf("read tag %s after %d: %w", tag, after, err))
				return
			}
			for _, env := range page {
				if !yield(env, nil) {
					return
				}
				after = env.Offset
			}
			if len(page) == cfg.pageSize {
				continue
			}

			timer := time.NewTimer(cfg.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				yield(Envelope{}, ctx.Err())
				return
			case <-notify:
			case <-timer.C:
			}
			timer.Stop()
		}
	}
}

// CurrentEventsByTag is like EventsByTag but ends once it reaches the head
// observed when iteration starts.
func CurrentEventsByTag(ctx context.Context, log Log, tag Tag, from Offset, opts ...StreamOption) iter.Seq2[Envelope, error] {
	cfg := newStreamConfig(opts)
	return func(yield func(Envelope, error) bool) {
		head, err := log.Head(ctx)
		if err != nil {
			yield(Envelope{}, fmt.Errorf("read head: %w", err))
			return
		}

		after := from
		for after < head {
			page, err := log.ReadByTag(ctx, tag, after, cfg.pageSize)
			if err != nil {
				yield(Envelope{}, fmt.Errorf("read tag %s after %d: %w", tag, after, err))
				return
			}
			for _, env := range page {
				if env.Offset > head {
					return
				}
				if !yield(env, nil) {
					return
				}
				after = env.Offset
			}
			if len(page) < cfg.pageSize {
				return
			}
		}
	}
}

// FetchStateAt rebuilds the state of one entity at revision by folding
// apply over its events 1..revision. Revision 0 yields initial.
// Asking for a revision the entity has not reached returns ErrRevisionNotFound.
func FetchStateAt[S any](
	ctx context.Context,
	log Log,
	entityType string,
	id entity.ID,
	revision uint64,
	initial S,
	apply func(S, Event) (S, error),
) (S, error) {
	if revision == 0 {
		return initial, nil
	}
	events, err := log.Events(ctx, entityType, id, 1, revision)
	if err != nil {
		return initial, fmt.Errorf("load events of %s: %w", id, err)
	}
	if uint64(len(events)) < revision {
		return initial, fmt.Errorf("%w: %s is at revision %d, requested %d", ErrRevisionNotFound, id, len(events), revision)
	}

	state := initial
	for _, ev := range events {
		state, err = apply(state, ev)
		if err != nil {
			return initial, fmt.Errorf("apply revision %d of %s: %w", ev.Revision, id, err)
		}
	}
	return state, nil
}
