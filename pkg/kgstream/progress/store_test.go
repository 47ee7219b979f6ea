package progress_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/progress"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) progress.Store

func at(offset eventlog.Offset, processed int64) progress.Progress {
	return progress.Progress{
		Offset:    offset,
		Processed: processed,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Save_and_Load", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		p := progress.Progress{
			Offset:    42,
			Processed: 30,
			Discarded: 10,
			Failed:    2,
			Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}
		require.NoError(t, store.Save(ctx, "projects", p))

		loaded, err := store.Load(ctx, "projects")
		require.NoError(t, err)
		assert.Equal(t, eventlog.Offset(42), loaded.Offset)
		assert.Equal(t, int64(30), loaded.Processed)
		assert.Equal(t, int64(10), loaded.Discarded)
		assert.Equal(t, int64(2), loaded.Failed)
		assert.True(t, p.Timestamp.Equal(loaded.Timestamp))
	})

	t.Run(name+"/Load_Unknown", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		loaded, err := store.Load(ctx, "nothing")
		require.NoError(t, err)
		assert.True(t, loaded.IsZero())
		assert.Equal(t, progress.NoProgress.Offset, loaded.Offset)
	})

	t.Run(name+"/Save_Monotonic", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "projects", at(10, 10)))
		require.NoError(t, store.Save(ctx, "projects", at(5, 5)))

		loaded, err := store.Load(ctx, "projects")
		require.NoError(t, err)
		assert.Equal(t, eventlog.Offset(10), loaded.Offset)
		assert.Equal(t, int64(10), loaded.Processed)

		// Same offset updates counters.
		require.NoError(t, store.Save(ctx, "projects", at(10, 11)))
		loaded, err = store.Load(ctx, "projects")
		require.NoError(t, err)
		assert.Equal(t, int64(11), loaded.Processed)
	})

	t.Run(name+"/Delete_Resets", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "projects", at(10, 10)))
		require.NoError(t, store.Delete(ctx, "projects"))
		require.NoError(t, store.Delete(ctx, "projects"))

		loaded, err := store.Load(ctx, "projects")
		require.NoError(t, err)
		assert.True(t, loaded.IsZero())

		require.NoError(t, store.Save(ctx, "projects", at(3, 3)))
		loaded, err = store.Load(ctx, "projects")
		require.NoError(t, err)
		assert.Equal(t, eventlog.Offset(3), loaded.Offset)
	})

	t.Run(name+"/Projections_Independent", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "projects", at(10, 1)))
		require.NoError(t, store.Save(ctx, "schemas", at(3, 1)))
		require.NoError(t, store.Delete(ctx, "projects"))

		loaded, err := store.Load(ctx, "schemas")
		require.NoError(t, err)
		assert.Equal(t, eventlog.Offset(3), loaded.Offset)
	})

	t.Run(name+"/Empty_Projection", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		assert.ErrorIs(t, store.Save(ctx, "", at(1, 1)), progress.ErrInvalidProjection)
	})

	t.Run(name+"/Resolve", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "projects", at(7, 7)))

		p, err := progress.Resolve(ctx, store, "projects", progress.Continue)
		require.NoError(t, err)
		assert.Equal(t, eventlog.Offset(7), p.Offset)

		p, err = progress.Resolve(ctx, store, "projects", progress.FullRestart)
		require.NoError(t, err)
		assert.True(t, p.IsZero())

		p, err = progress.Resolve(ctx, store, "projects", progress.Continue)
		require.NoError(t, err)
		assert.True(t, p.IsZero())
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Close())

		assert.ErrorIs(t, store.Save(ctx, "projects", at(1, 1)), progress.ErrStoreClosed)
		_, err := store.Load(ctx, "projects")
		assert.ErrorIs(t, err, progress.ErrStoreClosed)
		assert.ErrorIs(t, store.Delete(ctx, "projects"), progress.ErrStoreClosed)
	})

	t.Run(name+"/Concurrent_Monotonic", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		var wg sync.WaitGroup
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(off int) {
				defer wg.Done()
				assert.NoError(t, store.Save(ctx, "projects", at(eventlog.Offset(off), int64(off))))
			}(i)
		}
		wg.Wait()

		loaded, err := store.Load(ctx, "projects")
		require.NoError(t, err)
		assert.Equal(t, eventlog.Offset(20), loaded.Offset)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContractTest(t, "Memory", func(t *testing.T) progress.Store {
		return progress.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	storeContractTest(t, "SQLite", func(t *testing.T) progress.Store {
		s, err := progress.NewSQLiteStore(filepath.Join(t.TempDir(), "progress.db"))
		require.NoError(t, err)
		return s
	})
}

func TestPebbleStore(t *testing.T) {
	storeContractTest(t, "Pebble", func(t *testing.T) progress.Store {
		s, err := progress.OpenPebbleStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestCachedStore(t *testing.T) {
	storeContractTest(t, "Cached", func(t *testing.T) progress.Store {
		return progress.NewCachedStore(progress.NewMemoryStore(), progress.NewMemoryStore())
	})
}
