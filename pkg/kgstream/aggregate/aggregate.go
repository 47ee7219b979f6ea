// Package aggregate implements event-sourced, single-writer state machines.
//
// Every entity of an aggregate type is owned by one worker goroutine. An
// entity.Router maps the entity ID to a shard and the shard keeps at most one
// worker per ID, so commands for the same entity are evaluated strictly one
// after another while different entities proceed in parallel.
//
// A worker rebuilds its state by replaying the entity's events (or a snapshot
// plus the remaining events) on first use, evaluates commands against that
// state and appends the resulting event to the log with a compare-and-append
// at the worker's current revision. Idle workers are evicted and rebuilt from
// the log on their next command.
//
// Domain refusals are returned as *Rejection. Any other error is an
// infrastructure failure, such as a *errors.GiveUpError after append retries
// are exhausted.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
	kgerrors "github.com/randalmurphal/kgstream/pkg/kgstream/errors"
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/observability"
)

// ErrStopped is returned for commands submitted after Stop.
var ErrStopped = errors.New("aggregate stopped")

// Definition describes one aggregate type.
type Definition[S, C, E any] struct {
	// EntityType names the aggregate type. Every event is tagged with it.
	EntityType string

	// Initial is the state of an entity without events.
	Initial S

	// Next folds an event into a state. It must be pure and total.
	Next func(state S, event E) S

	// Evaluate decides the event for a command, or returns a *Rejection.
	// revision is the entity's current revision. It must not have side effects.
	Evaluate func(ctx context.Context, state S, revision uint64, cmd C) (E, error)

	// EventType names an event for the log. Optional.
	EventType func(event E) string

	// Tags returns extra tags for an event. Optional.
	Tags func(id entity.ID, event E) []eventlog.Tag

	// Encode and Decode convert events to and from log payloads.
	// They default to JSON.
	Encode func(event E) ([]byte, error)
	Decode func(ev eventlog.Event) (E, error)
}

func (d Definition[S, C, E]) validate() error {
	switch {
	case d.EntityType == "":
		return errors.New("aggregate definition needs an entity type")
	case d.Next == nil:
		return fmt.Errorf("aggregate %s: Next is required", d.EntityType)
	case d.Evaluate == nil:
		return fmt.Errorf("aggregate %s: Evaluate is required", d.EntityType)
	}
	return nil
}

func (d Definition[S, C, E]) encode(e E) ([]byte, error) {
	if d.Encode != nil {
		return d.Encode(e)
	}
	return json.Marshal(e)
}

func (d Definition[S, C, E]) decode(ev eventlog.Event) (E, error) {
	if d.Decode != nil {
		return d.Decode(ev)
	}
	var e E
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return e, fmt.Errorf("decode %s event %d: %w", d.EntityType, ev.Revision, err)
	}
	return e, nil
}

// apply folds a stored event into state.
func (d Definition[S, C, E]) apply(state S, ev eventlog.Event) (S, error) {
	e, err := d.decode(ev)
	if err != nil {
		return state, err
	}
	return d.Next(state, e), nil
}

// toLogEvent builds the log record for a decided event.
func (d Definition[S, C, E]) toLogEvent(id entity.ID, e E) (eventlog.Event, error) {
	payload, err := d.encode(e)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("encode %s event: %w", d.EntityType, err)
	}
	ev := eventlog.Event{
		EntityType: d.EntityType,
		EntityID:   id,
		Payload:    payload,
		Tags:       []eventlog.Tag{eventlog.Tag(d.EntityType)},
	}
	if d.EventType != nil {
		ev.Type = d.EventType(e)
	}
	if d.Tags != nil {
		ev.Tags = append(ev.Tags, d.Tags(id, e)...)
	}
	return ev, nil
}

// Result is the outcome of an applied (or dry-run) command.
type Result[S, E any] struct {
	State    S
	Event    E
	Revision uint64
	// Offset is the log position of the event. It is NoOffset for dry runs.
	Offset eventlog.Offset
}

// Aggregate evaluates commands for every entity of one aggregate type.
type Aggregate[S, C, E any] struct {
	def       Definition[S, C, E]
	log       eventlog.Log
	opts      options
	snapshots SnapshotStore[S]
	router    *entity.Router
	shards    []*shard[S, C, E]
	logger    *slog.Logger
	appends   *kgerrors.Handler

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New creates an aggregate for def backed by log.
func New[S, C, E any](def Definition[S, C, E], log eventlog.Log, opts ...Option) (*Aggregate[S, C, E], error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errors.New("aggregate needs an event log")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	router, err := entity.NewRouter(o.shards)
	if err != nil {
		return nil, err
	}

	var snapshots SnapshotStore[S]
	if o.snapshots != nil {
		s, ok := o.snapshots.(SnapshotStore[S])
		if !ok {
			return nil, fmt.Errorf("aggregate %s: snapshot store has the wrong state type %T", def.EntityType, o.snapshots)
		}
		snapshots = s
	}

	logger := o.logger.With(slog.String("entity_type", def.EntityType))
	// Append operations are named by entity ID.
	appends := kgerrors.NewHandler(
		kgerrors.WithStrategy(o.appendRetry),
		kgerrors.WithLogger(logger),
		kgerrors.WithOnRetry(func(id string, attempt int, err error) {
			observability.LogAppendRetry(logger, id, attempt, err)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregate[S, C, E]{
		def:       def,
		log:       log,
		opts:      o,
		snapshots: snapshots,
		router:    router,
		shards:    make([]*shard[S, C, E], router.Shards()),
		logger:    logger,
		appends:   appends,
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := range a.shards {
		a.shards[i] = &shard[S, C, E]{workers: make(map[entity.ID]*worker[S, C, E])}
	}
	return a, nil
}

// EntityType returns the aggregate type name.
func (a *Aggregate[S, C, E]) EntityType() string {
	return a.def.EntityType
}

// Evaluate runs cmd against the current state of id and appends the
// resulting event. The error is a *Rejection for domain refusals.
func (a *Aggregate[S, C, E]) Evaluate(ctx context.Context, id entity.ID, cmd C) (Result[S, E], error) {
	start := time.Now()
	ctx, span := a.opts.spans.StartCommandSpan(ctx, a.def.EntityType, string(id))
	res, err := a.submit(ctx, id, request[S, C, E]{op: opEvaluate, cmd: cmd})
	a.opts.spans.EndSpanWithError(span, err)
	a.opts.metrics.RecordCommand(ctx, a.def.EntityType, outcome(err), time.Since(start))
	return res, err
}

// DryRun evaluates cmd without appending. The result holds the state the
// entity would have if the event were applied.
func (a *Aggregate[S, C, E]) DryRun(ctx context.Context, id entity.ID, cmd C) (Result[S, E], error) {
	return a.submit(ctx, id, request[S, C, E]{op: opDryRun, cmd: cmd})
}

// State returns the current state and revision of id.
func (a *Aggregate[S, C, E]) State(ctx context.Context, id entity.ID) (S, uint64, error) {
	res, err := a.submit(ctx, id, request[S, C, E]{op: opState})
	return res.State, res.Revision, err
}

// StateAt replays the history of id up to revision without involving the
// live worker. A revision the entity has not reached is a NotFound rejection.
func (a *Aggregate[S, C, E]) StateAt(ctx context.Context, id entity.ID, revision uint64) (S, error) {
	s, err := eventlog.FetchStateAt(ctx, a.log, a.def.EntityType, id, revision, a.def.Initial, a.def.apply)
	if errors.Is(err, eventlog.ErrRevisionNotFound) {
		rej := RejectNotFound(fmt.Sprintf("revision %d", revision))
		rej.EntityID = id
		return a.def.Initial, rej
	}
	return s, err
}

// Stop stops every worker and waits for them to exit.
// Commands submitted afterwards fail with ErrStopped.
func (a *Aggregate[S, C, E]) Stop() {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}
	a.cancel()
	// No worker can be started once every shard has seen stopped.
	for _, sh := range a.shards {
		sh.mu.Lock()
		sh.mu.Unlock() //nolint:staticcheck // barrier
	}
	a.wg.Wait()
}

// Workers returns the number of live entity workers.
func (a *Aggregate[S, C, E]) Workers() int {
	n := 0
	for _, sh := range a.shards {
		sh.mu.Lock()
		n += len(sh.workers)
		sh.mu.Unlock()
	}
	return n
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.As(err, new(*Rejection)):
		return "rejected"
	default:
		return "error"
	}
}
