package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
)

// logFactory creates a log instance for testing.
type logFactory func(t *testing.T) Log

func memoryFactory(t *testing.T) Log {
	return NewMemoryLog()
}

func pebbleFactory(t *testing.T) Log {
	l, err := OpenPebble(t.TempDir(), WithNoSync())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func projectEvent(id entity.ID, typ string, tags ...Tag) Event {
	return Event{
		EntityType: "project",
		EntityID:   id,
		Type:       typ,
		Payload:    json.RawMessage(fmt.Sprintf(`{"type":%q}`, typ)),
		Tags:       tags,
	}
}

func mustAppend(t *testing.T, l Log, ev Event, expected uint64) Offset {
	t.Helper()
	off, err := l.Append(context.Background(), ev, expected)
	require.NoError(t, err)
	return off
}

// logContractTest runs contract tests against any Log implementation.
func logContractTest(t *testing.T, name string, factory logFactory) {
	ctx := context.Background()

	t.Run(name+"/Append_AssignsRevisionAndOffset", func(t *testing.T) {
		l := factory(t)

		off1 := mustAppend(t, l, projectEvent("a", "created", "project"), 0)
		off2 := mustAppend(t, l, projectEvent("b", "created", "project"), 0)
		off3 := mustAppend(t, l, projectEvent("a", "updated", "project"), 1)
		assert.Equal(t, []Offset{1, 2, 3}, []Offset{off1, off2, off3})

		events, err := l.Events(ctx, "project", "a", 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(1), events[0].Revision)
		assert.Equal(t, uint64(2), events[1].Revision)
		assert.Equal(t, "updated", events[1].Type)
		assert.NotEmpty(t, events[0].ID)
		assert.False(t, events[0].Timestamp.IsZero())
		assert.JSONEq(t, `{"type":"created"}`, string(events[0].Payload))

		head, err := l.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, Offset(3), head)
	})

	t.Run(name+"/Append_StaleRevision", func(t *testing.T) {
		l := factory(t)
		mustAppend(t, l, projectEvent("a", "created"), 0)

		_, err := l.Append(ctx, projectEvent("a", "created"), 0)
		require.ErrorIs(t, err, ErrConcurrentAppend)
		var conflict *ConcurrentAppendError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, uint64(0), conflict.Expected)
		assert.Equal(t, uint64(1), conflict.Actual)

		_, err = l.Append(ctx, projectEvent("a", "updated"), 5)
		assert.ErrorIs(t, err, ErrConcurrentAppend)

		events, err := l.Events(ctx, "project", "a", 0, 0)
		require.NoError(t, err)
		assert.Len(t, events, 1, "rejected appends must not be stored")
	})

	t.Run(name+"/Append_Invalid", func(t *testing.T) {
		l := factory(t)
		_, err := l.Append(ctx, Event{EntityID: "a"}, 0)
		assert.ErrorIs(t, err, ErrInvalidEvent)
		_, err = l.Append(ctx, Event{EntityType: "project"}, 0)
		assert.ErrorIs(t, err, ErrInvalidEvent)
	})

	t.Run(name+"/Events_Range", func(t *testing.T) {
		l := factory(t)
		for rev := uint64(0); rev < 5; rev++ {
			mustAppend(t, l, projectEvent("a", fmt.Sprintf("e%d", rev+1)), rev)
		}

		events, err := l.Events(ctx, "project", "a", 2, 4)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "e2", events[0].Type)
		assert.Equal(t, "e4", events[2].Type)

		events, err = l.Events(ctx, "project", "a", 4, 0)
		require.NoError(t, err)
		assert.Len(t, events, 2)

		events, err = l.Events(ctx, "project", "missing", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run(name+"/Events_EntityIsolation", func(t *testing.T) {
		l := factory(t)
		mustAppend(t, l, projectEvent("a", "created"), 0)
		mustAppend(t, l, projectEvent("ab", "created"), 0)
		mustAppend(t, l, Event{EntityType: "schema", EntityID: "a", Type: "created"}, 0)

		events, err := l.Events(ctx, "project", "a", 0, 0)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run(name+"/ReadByTag_Pages", func(t *testing.T) {
		l := factory(t)
		for i := 0; i < 10; i++ {
			tags := []Tag{"all"}
			if i%2 == 0 {
				tags = append(tags, "even")
			}
			mustAppend(t, l, projectEvent(entity.ID(fmt.Sprintf("p%d", i)), "created", tags...), 0)
		}

		page, err := l.ReadByTag(ctx, "even", NoOffset, 3)
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, []Offset{1, 3, 5}, offsets(page))

		page, err = l.ReadByTag(ctx, "even", 5, 10)
		require.NoError(t, err)
		assert.Equal(t, []Offset{7, 9}, offsets(page))

		page, err = l.ReadByTag(ctx, "all", 10, 10)
		require.NoError(t, err)
		assert.Empty(t, page)

		page, err = l.ReadByTag(ctx, "unknown", NoOffset, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run(name+"/ReadByTag_RepeatedTag", func(t *testing.T) {
		l := factory(t)
		mustAppend(t, l, projectEvent("a", "created", "project", "owner:acme", "project"), 0)
		mustAppend(t, l, projectEvent("b", "created", "project"), 0)

		page, err := l.ReadByTag(ctx, "project", NoOffset, 10)
		require.NoError(t, err)
		assert.Equal(t, []Offset{1, 2}, offsets(page))

		var seen []Offset
		for env, err := range CurrentEventsByTag(ctx, l, "project", NoOffset) {
			require.NoError(t, err)
			seen = append(seen, env.Offset)
		}
		assert.Equal(t, []Offset{1, 2}, seen)

		events, err := l.Events(ctx, "project", "a", 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, []Tag{"project", "owner:acme"}, events[0].Tags)
	})

	t.Run(name+"/Notify", func(t *testing.T) {
		l := factory(t)
		ch := l.Notify()

		select {
		case <-ch:
			t.Fatal("notify channel closed before any append")
		default:
		}

		mustAppend(t, l, projectEvent("a", "created"), 0)

		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("notify channel not closed by append")
		}
	})

	t.Run(name+"/ConcurrentAppend_SingleWinner", func(t *testing.T) {
		l := factory(t)

		var wg sync.WaitGroup
		results := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Append(ctx, projectEvent("a", "created"), 0)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrConcurrentAppend)
		}
		assert.Equal(t, 1, wins)
	})
}

func offsets(envs []Envelope) []Offset {
	out := make([]Offset, len(envs))
	for i, e := range envs {
		out[i] = e.Offset
	}
	return out
}

func TestMemoryLog(t *testing.T) {
	logContractTest(t, "MemoryLog", memoryFactory)
}

func TestPebbleLog(t *testing.T) {
	logContractTest(t, "PebbleLog", pebbleFactory)
}

func TestPebbleLog_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := OpenPebble(dir)
	require.NoError(t, err)
	mustAppend(t, l, projectEvent("a", "created", "project"), 0)
	mustAppend(t, l, projectEvent("a", "updated", "project"), 1)
	require.NoError(t, l.Close())

	l, err = OpenPebble(dir)
	require.NoError(t, err)
	defer l.Close()

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, Offset(2), head)

	_, err = l.Append(ctx, projectEvent("a", "updated"), 1)
	assert.ErrorIs(t, err, ErrConcurrentAppend, "entity head must survive reopen")

	off := mustAppend(t, l, projectEvent("a", "deprecated", "project"), 2)
	assert.Equal(t, Offset(3), off)

	all, err := l.ReadAll(ctx, NoOffset, 0)
	require.NoError(t, err)
	assert.Equal(t, []Offset{1, 2, 3}, offsets(all))
	assert.Equal(t, "deprecated", all[2].Event.Type)
}

func TestPebbleLog_RejectsNulSegments(t *testing.T) {
	l := pebbleFactory(t)
	_, err := l.Append(context.Background(), Event{EntityType: "project", EntityID: "a\x00b"}, 0)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestLogsClosed(t *testing.T) {
	ctx := context.Background()

	mem := NewMemoryLog()
	require.NoError(t, mem.Close())
	_, err := mem.Append(ctx, projectEvent("a", "created"), 0)
	assert.ErrorIs(t, err, ErrLogClosed)

	pl, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, pl.Close())
	_, err = pl.ReadByTag(ctx, "x", NoOffset, 1)
	assert.ErrorIs(t, err, ErrLogClosed)
	assert.NoError(t, pl.Close())
}

func TestMemoryLog_ReadAll(t *testing.T) {
	l := NewMemoryLog()
	for i := 0; i < 4; i++ {
		mustAppend(t, l, projectEvent(entity.ID(fmt.Sprintf("p%d", i)), "created"), 0)
	}

	page, err := l.ReadAll(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []Offset{2, 3}, offsets(page))

	page, err = l.ReadAll(context.Background(), 4, 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}
