package benchmarks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/progress"
)

// BenchmarkMemoryStore_Save measures in-memory progress saves.
func BenchmarkMemoryStore_Save(b *testing.B) {
	benchmarkSave(b, progress.NewMemoryStore())
}

// BenchmarkMemoryStore_Load measures in-memory progress loads.
func BenchmarkMemoryStore_Load(b *testing.B) {
	benchmarkLoad(b, progress.NewMemoryStore())
}

// BenchmarkSQLiteStore_Save measures SQLite upserts with the monotonic guard.
func BenchmarkSQLiteStore_Save(b *testing.B) {
	benchmarkSave(b, createSQLiteStore(b))
}

// BenchmarkSQLiteStore_Load measures SQLite progress loads.
func BenchmarkSQLiteStore_Load(b *testing.B) {
	benchmarkLoad(b, createSQLiteStore(b))
}

// BenchmarkPebbleStore_Save measures synced Pebble writes.
func BenchmarkPebbleStore_Save(b *testing.B) {
	benchmarkSave(b, createPebbleStore(b))
}

// BenchmarkPebbleStore_Load measures Pebble point reads.
func BenchmarkPebbleStore_Load(b *testing.B) {
	benchmarkLoad(b, createPebbleStore(b))
}

// BenchmarkCachedStore_Load measures cache hits in front of SQLite.
func BenchmarkCachedStore_Load(b *testing.B) {
	benchmarkLoad(b, progress.NewCachedStore(nil, createSQLiteStore(b)))
}

func benchmarkSave(b *testing.B, store progress.Store) {
	ctx := context.Background()
	now := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := progress.NoProgress.Advance(eventlog.Offset(i+1), 1, 0, 0, now)
		_ = store.Save(ctx, projectionID(i%10), p)
	}
}

func benchmarkLoad(b *testing.B, store progress.Store) {
	ctx := context.Background()
	_ = store.Save(ctx, "projects-index", progress.NoProgress.Advance(42, 42, 0, 0, time.Now()))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Load(ctx, "projects-index")
	}
}

// Helper functions

func projectionID(i int) string {
	return "projection-" + string(rune('a'+i))
}

func createSQLiteStore(b *testing.B) *progress.SQLiteStore {
	b.Helper()
	store, err := progress.NewSQLiteStore(filepath.Join(b.TempDir(), "progress.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })
	return store
}

func createPebbleStore(b *testing.B) *progress.PebbleStore {
	b.Helper()
	store, err := progress.OpenPebbleStore(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })
	return store
}
