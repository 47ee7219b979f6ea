package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kgerrors "github.com/randalmurphal/kgstream/pkg/kgstream/errors"
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/failures"
	"github.com/randalmurphal/kgstream/pkg/kgstream/index"
	"github.com/randalmurphal/kgstream/pkg/kgstream/observability"
	"github.com/randalmurphal/kgstream/pkg/kgstream/progress"
)

type item struct {
	env eventlog.Envelope
	err error
}

// Run streams until ctx is cancelled or an unrecoverable error occurs.
//
// Cancellation flushes the open batch with a detached context, saves its
// progress and returns nil. Any other error leaves the stream in
// StateFailed with progress at the last committed batch.
//
// Config.Restart applies to the first Run of a stream only; later runs
// continue from the stored progress.
func (s *Stream) Run(ctx context.Context) (err error) {
	s.setState(StateStarting)
	defer func() {
		if err != nil {
			s.setState(StateFailed)
			observability.LogStreamError(s.deps.Logger, s.cfg.Projection, uint64(s.Stats().Offset), err)
			return
		}
		s.setState(StateStopped)
	}()

	strategy := s.cfg.Restart
	if s.resolved.Load() {
		strategy = progress.Continue
	}
	start, err := progress.Resolve(ctx, s.deps.Progress, s.cfg.Projection, strategy)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.resolved.Store(true)
	s.setStats(start)

	err = s.retry(ctx, "create index "+s.cfg.Index, func(ctx context.Context) error {
		return s.deps.Index.CreateIndexIfAbsent(ctx, s.cfg.Index, s.cfg.Mapping)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	observability.LogStreamStart(s.deps.Logger, s.cfg.Projection, uint64(start.Offset))
	s.setState(StateStreaming)
	return s.consume(ctx, start.Offset)
}

func (s *Stream) consume(ctx context.Context, from eventlog.Offset) error {
	readCtx, stopRead := context.WithCancel(ctx)
	items := make(chan item)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(items)
		for env, err := range eventlog.EventsByTag(readCtx, s.deps.Log, s.cfg.Tag, from, s.cfg.StreamOptions...) {
			select {
			case items <- item{env: env, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		stopRead()
		wg.Wait()
	}()

	var (
		b       batch
		window  *time.Timer
		windowC <-chan time.Time
	)
	closeWindow := func() {
		if window != nil {
			window.Stop()
			window, windowC = nil, nil
		}
	}
	defer closeWindow()

	// A failed flush keeps the batch so a drain can retry it.
	flush := func(ctx context.Context) error {
		closeWindow()
		if b.empty() {
			return nil
		}
		if err := s.flush(ctx, &b); err != nil {
			return err
		}
		b.reset()
		return nil
	}

	for {
		if ctx.Err() != nil {
			return s.drain(ctx, flush)
		}

		select {
		case <-ctx.Done():
			return s.drain(ctx, flush)

		case <-windowC:
			if err := flush(ctx); err != nil {
				if ctx.Err() != nil {
					return s.drain(ctx, flush)
				}
				return err
			}

		case it, ok := <-items:
			if ctx.Err() != nil {
				return s.drain(ctx, flush)
			}
			if !ok {
				return errors.New("event reader stopped")
			}
			if it.err != nil {
				return it.err
			}
			if err := s.exchange(ctx, &b, it.env); err != nil {
				return s.drain(ctx, flush)
			}
			if b.events == 1 {
				window = time.NewTimer(s.cfg.MaxWindow)
				windowC = window.C
			}
			if b.events >= s.cfg.MaxBatch {
				if err := flush(ctx); err != nil {
					if ctx.Err() != nil {
						return s.drain(ctx, flush)
					}
					return err
				}
			}
		}
	}
}

// exchange adds one event to the batch. It only fails when ctx is done.
func (s *Stream) exchange(ctx context.Context, b *batch, env eventlog.Envelope) error {
	op, ok, err := s.deps.Exchange.Exchange(ctx, env)
	if err == nil && ok {
		err = op.Validate()
	}

	switch {
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.failed++
		observability.LogEventFailed(s.deps.Logger, s.cfg.Projection, uint64(env.Offset), string(env.Event.EntityID), err)
		if rerr := s.deps.Failures.Record(ctx, failures.FromEnvelope(s.cfg.Projection, env, err)); rerr != nil {
			s.logger.Warn("failure not recorded",
				slog.Uint64("offset", uint64(env.Offset)),
				slog.String("error", rerr.Error()),
			)
		}
	case !ok:
		b.discarded++
	default:
		b.ops = append(b.ops, op)
	}
	b.add(env.Offset)
	return nil
}

func (s *Stream) flush(ctx context.Context, b *batch) error {
	elapsed := observability.TimedOperation()
	ctx, span := s.deps.Spans.StartBatchSpan(ctx, s.cfg.Projection, uint64(b.first))

	ops := collapse(b.ops)
	next, err := s.commit(ctx, b, ops)
	s.deps.Spans.EndSpanWithError(span, err)
	if err != nil {
		return err
	}

	durationMs := elapsed()
	s.deps.Metrics.RecordBatch(ctx, s.cfg.Projection, len(ops), b.discarded, b.failed,
		time.Duration(durationMs*float64(time.Millisecond)))
	s.deps.Metrics.RecordProgress(ctx, s.cfg.Projection, uint64(next.Offset))
	observability.LogBatchFlushed(s.deps.Logger, s.cfg.Projection, uint64(next.Offset), len(ops), b.discarded, b.failed, durationMs)
	return nil
}

// commit writes the batch and then its progress. Batches without ops skip
// the index but still advance the offset.
func (s *Stream) commit(ctx context.Context, b *batch, ops []index.Op) (progress.Progress, error) {
	if len(ops) > 0 {
		if s.cfg.Limiter != nil {
			if err := s.cfg.Limiter.Wait(ctx); err != nil {
				return progress.NoProgress, fmt.Errorf("rate limit: %w", err)
			}
		}
		err := s.retry(ctx, "bulk write", func(ctx context.Context) error {
			return s.deps.Index.Bulk(ctx, ops, s.cfg.Refresh)
		})
		if err != nil {
			return progress.NoProgress, err
		}
		if s.deps.AfterBulk != nil {
			err := s.retry(ctx, "after bulk", func(ctx context.Context) error {
				return s.deps.AfterBulk(ctx, ops)
			})
			if err != nil {
				return progress.NoProgress, err
			}
		}
	}

	next := s.Stats().Advance(b.last, len(b.ops), b.discarded, b.failed, time.Now())
	err := s.retry(ctx, "save progress", func(ctx context.Context) error {
		return s.deps.Progress.Save(ctx, s.cfg.Projection, next)
	})
	if err != nil {
		return progress.NoProgress, err
	}
	s.setStats(next)
	return next, nil
}

func (s *Stream) drain(ctx context.Context, flush func(context.Context) error) error {
	s.setState(StateDraining)
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DrainTimeout)
	defer cancel()

	if err := flush(dctx); err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return &kgerrors.TimeoutError{Operation: "drain " + s.cfg.Projection, Duration: s.cfg.DrainTimeout.String()}
		}
		return fmt.Errorf("drain: %w", err)
	}
	s.logger.Info("indexing stream drained", slog.Uint64("offset", uint64(s.Stats().Offset)))
	return nil
}
