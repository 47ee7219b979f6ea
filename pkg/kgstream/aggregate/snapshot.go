package aggregate

import (
	"context"
	"sync"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
)

// Snapshot is a cached state at a revision.
type Snapshot[S any] struct {
	Revision uint64
	State    S
}

// SnapshotStore caches states so recovery can replay only the suffix of an
// entity's history. A missing or stale snapshot is never an error: recovery
// falls back to replaying the events after whatever revision it finds.
type SnapshotStore[S any] interface {
	Load(ctx context.Context, entityType string, id entity.ID) (Snapshot[S], bool, error)
	Save(ctx context.Context, entityType string, id entity.ID, snap Snapshot[S]) error
}

// MemorySnapshots is an in-memory SnapshotStore.
type MemorySnapshots[S any] struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot[S]
}

// NewMemorySnapshots creates an empty snapshot store.
func NewMemorySnapshots[S any]() *MemorySnapshots[S] {
	return &MemorySnapshots[S]{snaps: make(map[string]Snapshot[S])}
}

func snapshotKey(entityType string, id entity.ID) string {
	return entityType + "\x00" + string(id)
}

// Load implements SnapshotStore.
func (m *MemorySnapshots[S]) Load(_ context.Context, entityType string, id entity.ID) (Snapshot[S], bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[snapshotKey(entityType, id)]
	return s, ok, nil
}

// Save implements SnapshotStore. Older revisions never replace newer ones.
func (m *MemorySnapshots[S]) Save(_ context.Context, entityType string, id entity.ID, snap Snapshot[S]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := snapshotKey(entityType, id)
	if cur, ok := m.snaps[key]; ok && cur.Revision >= snap.Revision {
		return nil
	}
	m.snaps[key] = snap
	return nil
}

// Len returns the number of stored snapshots.
func (m *MemorySnapshots[S]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snaps)
}
