package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
	kgerrors "github.com/randalmurphal/kgstream/pkg/kgstream/errors"
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
)

type opKind int

const (
	opEvaluate opKind = iota
	opDryRun
	opState
)

type request[S, C, E any] struct {
	op    opKind
	ctx   context.Context
	cmd   C
	reply chan response[S, E]
}

type response[S, E any] struct {
	result Result[S, E]
	err    error
}

// shard owns the workers of the entities routed to it.
type shard[S, C, E any] struct {
	mu      sync.Mutex
	workers map[entity.ID]*worker[S, C, E]
}

// worker is the single owner of one entity's state.
type worker[S, C, E any] struct {
	id      entity.ID
	mailbox chan request[S, C, E]

	// pending counts requests handed to this worker and not yet answered.
	// Guarded by the shard mutex; a worker is only evicted at zero.
	pending int

	loaded   bool
	state    S
	revision uint64
}

// submit routes req to the worker owning id, starting one if needed, and
// waits for the answer.
func (a *Aggregate[S, C, E]) submit(ctx context.Context, id entity.ID, req request[S, C, E]) (Result[S, E], error) {
	if a.stopped.Load() {
		return Result[S, E]{}, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return Result[S, E]{}, err
	}

	sh := a.shards[a.router.Shard(id)]
	sh.mu.Lock()
	if a.stopped.Load() {
		sh.mu.Unlock()
		return Result[S, E]{}, ErrStopped
	}
	w, ok := sh.workers[id]
	if !ok {
		w = &worker[S, C, E]{id: id, mailbox: make(chan request[S, C, E], a.opts.mailbox)}
		sh.workers[id] = w
		a.wg.Add(1)
		go a.run(sh, w)
	}
	w.pending++
	sh.mu.Unlock()

	req.ctx = ctx
	req.reply = make(chan response[S, E], 1)

	select {
	case w.mailbox <- req:
	case <-ctx.Done():
		sh.mu.Lock()
		w.pending--
		sh.mu.Unlock()
		return Result[S, E]{}, ctx.Err()
	case <-a.ctx.Done():
		return Result[S, E]{}, ErrStopped
	}

	select {
	case resp := <-req.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		// The command may still be applied; the worker answers into the buffer.
		return Result[S, E]{}, ctx.Err()
	case <-a.ctx.Done():
		return Result[S, E]{}, ErrStopped
	}
}

// run is the worker loop.
func (a *Aggregate[S, C, E]) run(sh *shard[S, C, E], w *worker[S, C, E]) {
	defer a.wg.Done()

	var idle <-chan time.Time
	var timer *time.Timer
	if a.opts.idleTimeout > 0 {
		timer = time.NewTimer(a.opts.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-a.ctx.Done():
			return
		case req := <-w.mailbox:
			req.reply <- a.handle(w, req)
			sh.mu.Lock()
			w.pending--
			sh.mu.Unlock()
			if timer != nil {
				timer.Reset(a.opts.idleTimeout)
			}
		case <-idle:
			sh.mu.Lock()
			if w.pending == 0 {
				delete(sh.workers, w.id)
				sh.mu.Unlock()
				a.logger.Debug("entity worker evicted", slog.String("entity_id", string(w.id)))
				return
			}
			sh.mu.Unlock()
			timer.Reset(a.opts.idleTimeout)
		}
	}
}

func (a *Aggregate[S, C, E]) handle(w *worker[S, C, E], req request[S, C, E]) response[S, E] {
	ctx := req.ctx
	if err := ctx.Err(); err != nil {
		return response[S, E]{err: err}
	}
	if !w.loaded {
		if err := a.recover(ctx, w); err != nil {
			return response[S, E]{err: err}
		}
	}

	switch req.op {
	case opState:
		return response[S, E]{result: Result[S, E]{State: w.state, Revision: w.revision}}
	case opDryRun:
		e, err := a.decide(ctx, w, req.cmd)
		if err != nil {
			return response[S, E]{err: err}
		}
		return response[S, E]{result: Result[S, E]{
			State:    a.def.Next(w.state, e),
			Event:    e,
			Revision: w.revision + 1,
		}}
	default:
		res, err := a.apply(ctx, w, req.cmd)
		return response[S, E]{result: res, err: err}
	}
}

// recover rebuilds the worker state from a snapshot and the log.
func (a *Aggregate[S, C, E]) recover(ctx context.Context, w *worker[S, C, E]) error {
	w.state, w.revision = a.def.Initial, 0
	if a.snapshots != nil {
		snap, ok, err := a.snapshots.Load(ctx, a.def.EntityType, w.id)
		if err != nil {
			a.logger.Warn("snapshot load failed, replaying from start",
				slog.String("entity_id", string(w.id)),
				slog.String("error", err.Error()),
			)
		} else if ok {
			w.state, w.revision = snap.State, snap.Revision
		}
	}
	if err := a.catchUp(ctx, w); err != nil {
		return err
	}
	w.loaded = true
	return nil
}

// catchUp folds every event after the worker's revision into its state.
func (a *Aggregate[S, C, E]) catchUp(ctx context.Context, w *worker[S, C, E]) error {
	events, err := a.log.Events(ctx, a.def.EntityType, w.id, w.revision+1, 0)
	if err != nil {
		return fmt.Errorf("replay %s: %w", w.id, err)
	}
	for _, ev := range events {
		if ev.Revision != w.revision+1 {
			return fmt.Errorf("replay %s: expected revision %d, found %d", w.id, w.revision+1, ev.Revision)
		}
		s, err := a.def.apply(w.state, ev)
		if err != nil {
			return fmt.Errorf("replay %s: %w", w.id, err)
		}
		w.state, w.revision = s, ev.Revision
	}
	return nil
}

// decide calls the domain evaluation function and normalizes rejections.
func (a *Aggregate[S, C, E]) decide(ctx context.Context, w *worker[S, C, E], cmd C) (E, error) {
	e, err := a.def.Evaluate(ctx, w.state, w.revision, cmd)
	if err != nil {
		if rej, ok := AsRejection(err); ok && rej.EntityID == "" {
			rej.EntityID = w.id
		}
		return e, err
	}
	return e, nil
}

// apply evaluates cmd, appends its event and advances the worker. A
// concurrent append refreshes the state from the log and evaluates once more.
func (a *Aggregate[S, C, E]) apply(ctx context.Context, w *worker[S, C, E], cmd C) (Result[S, E], error) {
	e, err := a.decide(ctx, w, cmd)
	if err != nil {
		return Result[S, E]{}, err
	}

	offset, err := a.appendEvent(ctx, w, e)
	if errors.Is(err, eventlog.ErrConcurrentAppend) {
		a.logger.Warn("concurrent append, re-evaluating",
			slog.String("entity_id", string(w.id)),
			slog.Uint64("revision", w.revision),
		)
		if err := a.catchUp(ctx, w); err != nil {
			w.loaded = false
			return Result[S, E]{}, err
		}
		e, err = a.decide(ctx, w, cmd)
		if err != nil {
			return Result[S, E]{}, err
		}
		offset, err = a.appendEvent(ctx, w, e)
	}
	if err != nil {
		return Result[S, E]{}, err
	}

	w.state = a.def.Next(w.state, e)
	w.revision++
	a.maybeSnapshot(ctx, w)

	return Result[S, E]{State: w.state, Event: e, Revision: w.revision, Offset: offset}, nil
}

// appendEvent writes e at the worker's revision, retrying transient failures.
func (a *Aggregate[S, C, E]) appendEvent(ctx context.Context, w *worker[S, C, E], e E) (eventlog.Offset, error) {
	ev, err := a.def.toLogEvent(w.id, e)
	if err != nil {
		return eventlog.NoOffset, err
	}

	off, err := kgerrors.Execute(ctx, a.appends, string(w.id), func(ctx context.Context) (eventlog.Offset, error) {
		return a.log.Append(ctx, ev, w.revision)
	})
	if err == nil {
		return off, nil
	}

	var giveUp *kgerrors.GiveUpError
	if errors.As(err, &giveUp) {
		return eventlog.NoOffset, err
	}
	// Permanent failures are returned as the log reported them.
	var cat *kgerrors.CategorizedError
	if errors.As(err, &cat) {
		return eventlog.NoOffset, cat.Err
	}
	return eventlog.NoOffset, err
}

func (a *Aggregate[S, C, E]) maybeSnapshot(ctx context.Context, w *worker[S, C, E]) {
	if a.snapshots == nil || a.opts.snapshotEvery <= 0 || w.revision%uint64(a.opts.snapshotEvery) != 0 {
		return
	}
	snap := Snapshot[S]{Revision: w.revision, State: w.state}
	if err := a.snapshots.Save(ctx, a.def.EntityType, w.id, snap); err != nil {
		a.logger.Warn("snapshot save failed",
			slog.String("entity_id", string(w.id)),
			slog.Uint64("revision", w.revision),
			slog.String("error", err.Error()),
		)
	}
}
