package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
)

// PebbleLog is a durable Log stored in a Pebble database.
// Every append is one atomic batch holding the event record, the entity
// head, the global order entry and one tag index entry per tag.
type PebbleLog struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	mu       sync.Mutex
	last     Offset
	notifyCh chan struct{}
	closed   bool
}

var _ Log = (*PebbleLog)(nil)

// PebbleOption configures a PebbleLog.
type PebbleOption func(*pebbleConfig)

type pebbleConfig struct {
	options *pebble.Options
	noSync  bool
}

// WithPebbleOptions sets advanced Pebble tuning.
func WithPebbleOptions(o *pebble.Options) PebbleOption {
	return func(c *pebbleConfig) {
		c.options = o
	}
}

// WithNoSync commits appends without forcing a WAL fsync.
// An append acknowledged before a crash may be lost.
func WithNoSync() PebbleOption {
	return func(c *pebbleConfig) {
		c.noSync = true
	}
}

// OpenPebble opens or creates a Pebble-backed log in dir and recovers the
// last assigned offset.
func OpenPebble(dir string, opts ...PebbleOption) (*PebbleLog, error) {
	if dir == "" {
		return nil, errors.New("pebble log: directory is required")
	}
	cfg := pebbleConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	po := cfg.options
	if po == nil {
		po = &pebble.Options{}
	}

	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	l := &PebbleLog{
		db:        db,
		writeOpts: pebble.Sync,
		notifyCh:  make(chan struct{}),
	}
	if cfg.noSync {
		l.writeOpts = pebble.NoSync
	}

	meta, err := l.get(metaKey)
	switch {
	case err == nil && len(meta) >= 8:
		l.last = Offset(binary.BigEndian.Uint64(meta[:8]))
	case err != nil && !errors.Is(err, pebble.ErrNotFound):
		db.Close()
		return nil, fmt.Errorf("load log metadata: %w", err)
	}
	return l, nil
}

// DB returns the underlying database so other stores can keep their keys
// next to the log. The log retains ownership.
func (l *PebbleLog) DB() *pebble.DB {
	return l.db
}

func (l *PebbleLog) get(key []byte) ([]byte, error) {
	val, closer, err := l.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (l *PebbleLog) headRevision(entityType string, id entity.ID) (uint64, error) {
	b, err := l.get(keyHead(entityType, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read entity head: %w", err)
	}
	if len(b) < 8 {
		return 0, fmt.Errorf("corrupt entity head for %s", id)
	}
	return binary.BigEndian.Uint64(b), nil
}

// Append implements Log.
func (l *PebbleLog) Append(ctx context.Context, ev Event, expectedRevision uint64) (Offset, error) {
	if err := ctx.Err(); err != nil {
		return NoOffset, err
	}
	if err := validate(ev); err != nil {
		return NoOffset, err
	}
	if err := checkSegment("entity type", ev.EntityType); err != nil {
		return NoOffset, err
	}
	if err := checkSegment("entity id", string(ev.EntityID)); err != nil {
		return NoOffset, err
	}
	for _, tag := range ev.Tags {
		if err := checkSegment("tag", string(tag)); err != nil {
			return NoOffset, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return NoOffset, ErrLogClosed
	}

	current, err := l.headRevision(ev.EntityType, ev.EntityID)
	if err != nil {
		return NoOffset, err
	}
	if current != expectedRevision {
		return NoOffset, &ConcurrentAppendError{EntityID: ev.EntityID, Expected: expectedRevision, Actual: current}
	}

	offset := l.last + 1
	ev = stamp(ev, expectedRevision+1, time.Now())
	rec, err := marshalEvent(ev, offset)
	if err != nil {
		return NoOffset, err
	}

	b := l.db.NewBatch()
	defer b.Close()

	eventKey := keyEvent(ev.EntityType, ev.EntityID, ev.Revision)
	sets := [][2][]byte{
		{eventKey, rec},
		{keyHead(ev.EntityType, ev.EntityID), appendBE8(nil, ev.Revision)},
		{keyOrder(offset), eventKey},
		{metaKey, appendBE8(nil, uint64(offset))},
	}
	for _, tag := range ev.Tags {
		sets = append(sets, [2][]byte{keyTag(tag, offset), eventKey})
	}
	for _, kv := range sets {
		if err := b.Set(kv[0], kv[1], nil); err != nil {
			return NoOffset, fmt.Errorf("stage append: %w", err)
		}
	}
	if err := b.Commit(l.writeOpts); err != nil {
		return NoOffset, fmt.Errorf("commit append: %w", err)
	}

	l.last = offset
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return offset, nil
}

// Events implements Log.
func (l *PebbleLog) Events(ctx context.Context, entityType string, id entity.ID, from, to uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	if from < 1 {
		from = 1
	}

	upper := prefixEnd(keyEntityPrefix(entityType, id))
	if to != 0 && to != ^uint64(0) {
		if from > to {
			return []Event{}, nil
		}
		upper = keyEvent(entityType, id, to+1)
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: keyEvent(entityType, id, from),
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	events := []Event{}
	for iter.First(); iter.Valid(); iter.Next() {
		env, err := unmarshalEvent(iter.Value())
		if err != nil {
			return nil, err
		}
		events = append(events, env.Event)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

// ReadByTag implements Log.
func (l *PebbleLog) ReadByTag(ctx context.Context, tag Tag, after Offset, limit int) ([]Envelope, error) {
	if after == ^Offset(0) {
		return []Envelope{}, nil
	}
	return l.scanRefs(ctx, keyTag(tag, after+1), prefixEnd(keyTagPrefix(tag)), limit)
}

// ReadAll returns up to limit events of any tag with offsets strictly
// greater than after, in offset order.
func (l *PebbleLog) ReadAll(ctx context.Context, after Offset, limit int) ([]Envelope, error) {
	if after == ^Offset(0) {
		return []Envelope{}, nil
	}
	return l.scanRefs(ctx, keyOrder(after+1), prefixEnd(orderPrefix), limit)
}

// scanRefs walks index keys in [lower, upper) whose values are event keys.
func (l *PebbleLog) scanRefs(ctx context.Context, lower, upper []byte, limit int) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.checkOpen(); err != nil {
		return nil, err
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	out := []Envelope{}
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		offset := offsetSuffix(iter.Key())
		rec, err := l.get(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("read event at offset %d: %w", offset, err)
		}
		env, err := unmarshalEvent(rec)
		if err != nil {
			return nil, err
		}
		env.Offset = offset
		out = append(out, env)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan index: %w", err)
	}
	return out, nil
}

// Head implements Log.
func (l *PebbleLog) Head(ctx context.Context) (Offset, error) {
	if err := ctx.Err(); err != nil {
		return NoOffset, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return NoOffset, ErrLogClosed
	}
	return l.last, nil
}

// Notify implements Log.
func (l *PebbleLog) Notify() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

func (l *PebbleLog) checkOpen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	return nil
}

// Close closes the underlying database.
func (l *PebbleLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
