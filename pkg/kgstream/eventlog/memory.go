package eventlog

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
)

// MemoryLog is an in-memory Log.
// It is suitable for testing and single-process examples.
type MemoryLog struct {
	mu       sync.RWMutex
	entities map[string][]Event
	all      []Envelope
	byTag    map[Tag][]int
	notifyCh chan struct{}
	closed   bool
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		entities: make(map[string][]Event),
		byTag:    make(map[Tag][]int),
		notifyCh: make(chan struct{}),
	}
}

func entityKey(entityType string, id entity.ID) string {
	return entityType + "\x00" + string(id)
}

// stamp fills the fields assigned at append time.
func stamp(ev Event, revision uint64, now time.Time) Event {
	ev.Revision = revision
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now.UTC()
	}
	ev.Tags = uniqueTags(ev.Tags)
	ev.Payload = slices.Clone(ev.Payload)
	return ev
}

// uniqueTags copies tags without repeats, keeping first occurrences in order.
func uniqueTags(tags []Tag) []Tag {
	if tags == nil {
		return nil
	}
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, ev Event, expectedRevision uint64) (Offset, error) {
	if err := ctx.Err(); err != nil {
		return NoOffset, err
	}
	if err := validate(ev); err != nil {
		return NoOffset, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return NoOffset, ErrLogClosed
	}

	key := entityKey(ev.EntityType, ev.EntityID)
	current := uint64(len(l.entities[key]))
	if current != expectedRevision {
		return NoOffset, &ConcurrentAppendError{EntityID: ev.EntityID, Expected: expectedRevision, Actual: current}
	}

	ev = stamp(ev, expectedRevision+1, time.Now())
	l.entities[key] = append(l.entities[key], ev)

	offset := Offset(len(l.all) + 1)
	l.all = append(l.all, Envelope{Event: ev, Offset: offset})
	for _, tag := range ev.Tags {
		l.byTag[tag] = append(l.byTag[tag], len(l.all)-1)
	}

	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return offset, nil
}

// Events implements Log.
func (l *MemoryLog) Events(ctx context.Context, entityType string, id entity.ID, from, to uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLogClosed
	}

	events := l.entities[entityKey(entityType, id)]
	if from < 1 {
		from = 1
	}
	if to == 0 || to > uint64(len(events)) {
		to = uint64(len(events))
	}
	if from > to {
		return []Event{}, nil
	}
	return slices.Clone(events[from-1 : to]), nil
}

// ReadByTag implements Log.
func (l *MemoryLog) ReadByTag(ctx context.Context, tag Tag, after Offset, limit int) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLogClosed
	}

	idx := l.byTag[tag]
	// Offsets are index+1, so the first match is the first index >= after.
	start := sort.Search(len(idx), func(i int) bool {
		return Offset(idx[i]+1) > after
	})

	matches := idx[start:]
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]Envelope, 0, len(matches))
	for _, i := range matches {
		out = append(out, l.all[i])
	}
	return out, nil
}

// ReadAll returns up to limit events of any tag with offsets strictly
// greater than after, in offset order.
func (l *MemoryLog) ReadAll(ctx context.Context, after Offset, limit int) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLogClosed
	}
	if after >= Offset(len(l.all)) {
		return []Envelope{}, nil
	}
	page := l.all[after:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return slices.Clone(page), nil
}

// Head implements Log.
func (l *MemoryLog) Head(ctx context.Context) (Offset, error) {
	if err := ctx.Err(); err != nil {
		return NoOffset, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Offset(len(l.all)), nil
}

// Notify implements Log.
func (l *MemoryLog) Notify() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.notifyCh
}

// Close marks the log closed. Subsequent operations return ErrLogClosed.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
