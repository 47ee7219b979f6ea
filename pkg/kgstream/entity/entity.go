// Package entity identifies aggregate instances and routes them to shards.
//
// A Router maps every ID to exactly one shard with a fixed hash, so all
// commands for an entity reach the same owner for as long as the shard
// count does not change.
package entity

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// ID is an opaque key scoping one aggregate instance.
// It is unique per aggregate type.
type ID string

// String implements fmt.Stringer.
func (id ID) String() string {
	return string(id)
}

// Key builds the composite ID of a resource inside a project.
func Key(project, iri string) ID {
	return ID(project + "_" + iri)
}

// Split returns the project part of an ID built by Key and the remainder.
// Project labels never contain an underscore.
func Split(id ID) (project, iri string, ok bool) {
	return strings.Cut(string(id), "_")
}

// Router deterministically maps IDs to one of a fixed number of shards.
type Router struct {
	shards int
}

// NewRouter creates a router over n shards.
func NewRouter(n int) (*Router, error) {
	if n <= 0 {
		return nil, fmt.Errorf("router needs at least one shard, got %d", n)
	}
	return &Router{shards: n}, nil
}

// Shards returns the number of shards.
func (r *Router) Shards() int {
	return r.shards
}

// Shard returns the shard owning id.
func (r *Router) Shard(id ID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(r.shards))
}
