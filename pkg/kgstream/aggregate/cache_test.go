package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
)

func TestCache_PopulatesThenFollows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := eventlog.NewMemoryLog()
	docs := newDocs(t, log)

	_, err := docs.Evaluate(ctx, "a", docCmd{Kind: "create", Name: "alpha"})
	require.NoError(t, err)
	_, err = docs.Evaluate(ctx, "b", docCmd{Kind: "create", Name: "beta"})
	require.NoError(t, err)
	// Another entity type on the same log must be ignored.
	_, err = log.Append(ctx, eventlog.Event{EntityType: "schema", EntityID: "a", Tags: []eventlog.Tag{"doc"}}, 0)
	require.NoError(t, err)

	cache := NewCache(docDefinition(), log, "doc",
		WithCacheStreamOptions(eventlog.WithPollInterval(10*time.Millisecond)))

	done := make(chan error, 1)
	go func() { done <- cache.Run(ctx) }()

	select {
	case <-cache.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("cache never became ready")
	}

	s, rev, ok := cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", s.Name)
	assert.Equal(t, uint64(1), rev)
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, eventlog.Offset(3), cache.Offset())

	_, err = docs.Evaluate(ctx, "a", docCmd{Kind: "rename", Rev: 1, Name: "alef"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, rev, _ := cache.Get("a")
		return s.Name == "alef" && rev == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, _, ok = cache.Get("missing")
	assert.False(t, ok)

	cancel()
	assert.NoError(t, <-done)
}

func TestCache_RestartContinuesFromOffset(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	docs := newDocs(t, log)

	_, err := docs.Evaluate(ctx, "a", docCmd{Kind: "create", Name: "alpha"})
	require.NoError(t, err)

	cache := NewCache(docDefinition(), log, "doc")

	runOnce := func() {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- cache.Run(runCtx) }()
		<-cache.Ready()
		cancel()
		require.NoError(t, <-done)
	}

	runOnce()
	_, err = docs.Evaluate(ctx, "a", docCmd{Kind: "incr"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = cache.Run(runCtx) }()

	require.Eventually(t, func() bool {
		s, rev, _ := cache.Get("a")
		return rev == 2 && s.Count == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCache_FillsRevisionGaps(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	docs := newDocs(t, log)

	_, err := docs.Evaluate(ctx, "p_a", docCmd{Kind: "create", Name: "alpha"})
	require.NoError(t, err)

	// Revision 2 applied to an empty cache must pull revision 1 from the log.
	_, err = docs.Evaluate(ctx, "p_a", docCmd{Kind: "rename", Rev: 1, Name: "alef"})
	require.NoError(t, err)
	events, err := log.ReadByTag(ctx, "doc", 1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)

	cache := NewCache(docDefinition(), log, "doc")
	require.NoError(t, cache.apply(ctx, events[0]))

	s, rev, ok := cache.Get("p_a")
	require.True(t, ok)
	assert.Equal(t, uint64(2), rev)
	assert.Equal(t, docState{Created: true, Name: "alef"}, s)

	// Replaying an older event is a no-op.
	first, err := log.ReadByTag(ctx, "doc", eventlog.NoOffset, 1)
	require.NoError(t, err)
	require.NoError(t, cache.apply(ctx, first[0]))
	_, rev, _ = cache.Get("p_a")
	assert.Equal(t, uint64(2), rev)
}
