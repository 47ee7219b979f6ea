// Package failures records events an indexing stream could not exchange.
//
// A failed event never blocks its batch: the stream records it here and
// moves on. Records are keyed by projection and offset, so an event that
// fails again after a restart increments its attempt count instead of
// creating a second record.
package failures

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
)

// Failure describes one event that failed to exchange.
type Failure struct {
	ID         string          `json:"id"`
	Projection string          `json:"projection"`
	Offset     eventlog.Offset `json:"offset"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	EventType  string          `json:"event_type"`
	Error      string          `json:"error"`
	Attempts   int             `json:"attempts"`
	FirstSeen  time.Time       `json:"first_seen"`
	LastSeen   time.Time       `json:"last_seen"`
}

// FromEnvelope builds a failure record for env.
func FromEnvelope(projection string, env eventlog.Envelope, err error) Failure {
	return Failure{
		Projection: projection,
		Offset:     env.Offset,
		EntityType: env.Event.EntityType,
		EntityID:   string(env.Event.EntityID),
		EventType:  env.Event.Type,
		Error:      err.Error(),
	}
}

// Recorder accepts failure records.
type Recorder interface {
	Record(ctx context.Context, f Failure) error
}

// Nop discards failures.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Failure) error { return nil }

// ErrNotFound indicates an unknown failure ID.
var ErrNotFound = errors.New("failure not found")

// Config configures a Memory store.
type Config struct {
	// MaxSize bounds the number of records. The oldest record is evicted
	// when a new one does not fit.
	// Default: 10000
	MaxSize int

	// OnRecord is called for every recorded failure.
	OnRecord func(Failure)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{MaxSize: 10000}

// Stats counts store activity.
type Stats struct {
	Current      int
	Recorded     int64
	Repeated     int64
	Evicted      int64
	Acknowledged int64
}

type recordKey struct {
	projection string
	offset     eventlog.Offset
}

// Memory is a bounded in-memory failure store.
type Memory struct {
	mu    sync.RWMutex
	cfg   Config
	byKey map[recordKey]*Failure
	byID  map[string]recordKey
	stats Stats
}

var _ Recorder = (*Memory)(nil)

// NewMemory creates a store.
func NewMemory(cfg Config) *Memory {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig.MaxSize
	}
	return &Memory{
		cfg:   cfg,
		byKey: make(map[recordKey]*Failure),
		byID:  make(map[string]recordKey),
	}
}

// Record implements Recorder.
func (m *Memory) Record(_ context.Context, f Failure) error {
	now := time.Now().UTC()

	m.mu.Lock()
	key := recordKey{projection: f.Projection, offset: f.Offset}
	if cur, ok := m.byKey[key]; ok {
		cur.Attempts++
		cur.Error = f.Error
		cur.LastSeen = now
		m.stats.Repeated++
		f = *cur
	} else {
		if len(m.byKey) >= m.cfg.MaxSize {
			m.evictOldestLocked()
		}
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.Attempts = 1
		f.FirstSeen, f.LastSeen = now, now
		stored := f
		m.byKey[key] = &stored
		m.byID[f.ID] = key
		m.stats.Recorded++
	}
	m.mu.Unlock()

	if m.cfg.OnRecord != nil {
		m.cfg.OnRecord(f)
	}
	return nil
}

func (m *Memory) evictOldestLocked() {
	var oldest *Failure
	for _, f := range m.byKey {
		if oldest == nil || f.FirstSeen.Before(oldest.FirstSeen) {
			oldest = f
		}
	}
	if oldest == nil {
		return
	}
	delete(m.byKey, m.byID[oldest.ID])
	delete(m.byID, oldest.ID)
	m.stats.Evicted++
}

// List returns up to limit failures of projection ordered by offset.
// An empty projection lists every projection; limit <= 0 means no limit.
func (m *Memory) List(_ context.Context, projection string, limit int) ([]Failure, error) {
	m.mu.RLock()
	out := make([]Failure, 0, len(m.byKey))
	for k, f := range m.byKey {
		if projection == "" || k.projection == projection {
			out = append(out, *f)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Projection != out[j].Projection {
			return out[i].Projection < out[j].Projection
		}
		return out[i].Offset < out[j].Offset
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Acknowledge removes a failure once it has been dealt with.
func (m *Memory) Acknowledge(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byKey, key)
	delete(m.byID, id)
	m.stats.Acknowledged++
	return nil
}

// Clear drops every failure of projection, used after a full restart.
func (m *Memory) Clear(_ context.Context, projection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, f := range m.byKey {
		if k.projection == projection {
			delete(m.byID, f.ID)
			delete(m.byKey, k)
		}
	}
}

// Stats returns a snapshot of the counters.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Current = len(m.byKey)
	return s
}
