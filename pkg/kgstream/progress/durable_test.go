package progress_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/progress"
)

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "progress.db")

	store1, err := progress.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store1.Save(ctx, "projects", at(9, 9)))
	require.NoError(t, store1.Close())

	store2, err := progress.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	loaded, err := store2.Load(ctx, "projects")
	require.NoError(t, err)
	assert.Equal(t, eventlog.Offset(9), loaded.Offset)

	all, err := store2.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, eventlog.Offset(9), all["projects"].Offset)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := progress.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	store, err := progress.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestPebbleStore_SharesLogDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	log, err := eventlog.OpenPebble(dir)
	require.NoError(t, err)

	off, err := log.Append(ctx, eventlog.Event{EntityType: "project", EntityID: "p_a", Type: "created"}, 0)
	require.NoError(t, err)

	store := progress.NewPebbleStore(log.DB())
	require.NoError(t, store.Save(ctx, "projects", at(off, 1)))
	require.NoError(t, store.Save(ctx, "schemas", at(off, 0)))
	require.NoError(t, store.Close())

	// The log is still usable after the store is closed.
	head, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, off, head)

	// Progress keys do not leak into the log's tag or order scans.
	all, err := log.ReadAll(ctx, eventlog.NoOffset, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	require.NoError(t, log.Close())

	reopened, err := eventlog.OpenPebble(dir)
	require.NoError(t, err)
	defer reopened.Close()

	store = progress.NewPebbleStore(reopened.DB())
	listed, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, off, listed["projects"].Offset)
	assert.Equal(t, int64(1), listed["projects"].Processed)
}

func TestCachedStore_ReadsThroughToDurable(t *testing.T) {
	ctx := context.Background()
	cache := progress.NewMemoryStore()
	durable := progress.NewMemoryStore()
	require.NoError(t, durable.Save(ctx, "projects", at(12, 12)))

	store := progress.NewCachedStore(cache, durable)

	loaded, err := store.Load(ctx, "projects")
	require.NoError(t, err)
	assert.Equal(t, eventlog.Offset(12), loaded.Offset)
	assert.Equal(t, 1, cache.Len(), "a durable hit fills the cache")

	require.NoError(t, store.Save(ctx, "projects", at(13, 13)))
	fromCache, err := cache.Load(ctx, "projects")
	require.NoError(t, err)
	assert.Equal(t, eventlog.Offset(13), fromCache.Offset)

	require.NoError(t, store.Delete(ctx, "projects"))
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 0, durable.Len())
}

func TestCachedStore_DurableFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	cache := progress.NewMemoryStore()
	durable := progress.NewMemoryStore()
	require.NoError(t, durable.Close())

	store := progress.NewCachedStore(cache, durable)
	err := store.Save(ctx, "projects", at(1, 1))
	assert.ErrorIs(t, err, progress.ErrStoreClosed)
	assert.Equal(t, 0, cache.Len())
}

func TestProgress_Advance(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := progress.NoProgress.Advance(5, 3, 1, 1, now)
	p = p.Advance(9, 2, 0, 0, now)

	assert.Equal(t, eventlog.Offset(9), p.Offset)
	assert.Equal(t, int64(5), p.Processed)
	assert.Equal(t, int64(1), p.Discarded)
	assert.Equal(t, int64(1), p.Failed)
	assert.Equal(t, now, p.Timestamp)
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    progress.Strategy
		wantErr bool
	}{
		{in: "", want: progress.Continue},
		{in: "continue", want: progress.Continue},
		{in: "FULL_RESTART", want: progress.FullRestart},
		{in: "full-restart", want: progress.FullRestart},
		{in: "rewind", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := progress.ParseStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NotEqual(t, "unknown", got.String())
		})
	}
}
