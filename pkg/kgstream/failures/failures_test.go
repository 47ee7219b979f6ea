package failures

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
)

func envelope(offset eventlog.Offset) eventlog.Envelope {
	return eventlog.Envelope{
		Offset: offset,
		Event:  eventlog.Event{EntityType: "project", EntityID: "p_a", Type: "created"},
	}
}

func TestMemory_RecordAndList(t *testing.T) {
	ctx := context.Background()
	var seen []Failure
	m := NewMemory(Config{OnRecord: func(f Failure) { seen = append(seen, f) }})

	require.NoError(t, m.Record(ctx, FromEnvelope("projects", envelope(7), errors.New("bad iri"))))
	require.NoError(t, m.Record(ctx, FromEnvelope("projects", envelope(3), errors.New("bad iri"))))
	require.NoError(t, m.Record(ctx, FromEnvelope("schemas", envelope(5), errors.New("x"))))

	all, err := m.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	projects, err := m.List(ctx, "projects", 0)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, eventlog.Offset(3), projects[0].Offset)
	assert.Equal(t, eventlog.Offset(7), projects[1].Offset)
	assert.Equal(t, "p_a", projects[0].EntityID)
	assert.Equal(t, "bad iri", projects[0].Error)
	assert.Equal(t, 1, projects[0].Attempts)
	assert.NotEmpty(t, projects[0].ID)

	limited, err := m.List(ctx, "projects", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	assert.Len(t, seen, 3)
}

func TestMemory_RepeatedFailureIncrementsAttempts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(DefaultConfig)

	require.NoError(t, m.Record(ctx, FromEnvelope("projects", envelope(4), errors.New("first"))))
	require.NoError(t, m.Record(ctx, FromEnvelope("projects", envelope(4), errors.New("second"))))

	list, err := m.List(ctx, "projects", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Attempts)
	assert.Equal(t, "second", list[0].Error)
	assert.False(t, list[0].LastSeen.Before(list[0].FirstSeen))

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Recorded)
	assert.Equal(t, int64(1), stats.Repeated)
	assert.Equal(t, 1, stats.Current)
}

func TestMemory_Bounded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{MaxSize: 2})

	for off := eventlog.Offset(1); off <= 3; off++ {
		require.NoError(t, m.Record(ctx, FromEnvelope("projects", envelope(off), errors.New("x"))))
	}

	stats := m.Stats()
	assert.Equal(t, 2, stats.Current)
	assert.Equal(t, int64(1), stats.Evicted)
}

func TestMemory_AcknowledgeAndClear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(DefaultConfig)

	require.NoError(t, m.Record(ctx, FromEnvelope("projects", envelope(1), errors.New("x"))))
	require.NoError(t, m.Record(ctx, FromEnvelope("projects", envelope(2), errors.New("x"))))
	require.NoError(t, m.Record(ctx, FromEnvelope("schemas", envelope(2), errors.New("x"))))

	list, err := m.List(ctx, "projects", 0)
	require.NoError(t, err)
	require.NoError(t, m.Acknowledge(ctx, list[0].ID))
	assert.ErrorIs(t, m.Acknowledge(ctx, list[0].ID), ErrNotFound)

	m.Clear(ctx, "projects")
	remaining, err := m.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "schemas", remaining[0].Projection)
	assert.Equal(t, int64(1), m.Stats().Acknowledged)
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	assert.NoError(t, r.Record(context.Background(), Failure{}))
}
