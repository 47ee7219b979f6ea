package entity

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	id := Key("myorg/myproj", "https://example.com/resource")
	assert.Equal(t, ID("myorg/myproj_https://example.com/resource"), id)

	project, iri, ok := Split(id)
	require.True(t, ok)
	assert.Equal(t, "myorg/myproj", project)
	assert.Equal(t, "https://example.com/resource", iri)

	_, _, ok = Split("plain")
	assert.False(t, ok)
}

func TestNewRouter_RejectsNonPositive(t *testing.T) {
	_, err := NewRouter(0)
	assert.Error(t, err)
	_, err = NewRouter(-3)
	assert.Error(t, err)
}

func TestRouter_Deterministic(t *testing.T) {
	r1, err := NewRouter(16)
	require.NoError(t, err)
	r2, err := NewRouter(16)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		id := ID(fmt.Sprintf("proj_%d", i))
		s := r1.Shard(id)
		assert.Equal(t, s, r1.Shard(id))
		assert.Equal(t, s, r2.Shard(id), "routing must not depend on router instance")
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 16)
	}
}

func TestRouter_Spreads(t *testing.T) {
	r, err := NewRouter(8)
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		seen[r.Shard(ID(fmt.Sprintf("entity-%d", i)))] = true
	}
	assert.Len(t, seen, 8)
}

func TestRouter_SingleShard(t *testing.T) {
	r, err := NewRouter(1)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Shard("anything"))
	assert.Equal(t, 1, r.Shards())
}
