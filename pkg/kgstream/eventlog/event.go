// Package eventlog provides the append-only event store that is the system
// of record for every aggregate.
//
// Events are ordered per entity by revision (ascending, no gaps) and globally
// by Offset. Consumers read a tag-filtered view of the global order through
// EventsByTag and CurrentEventsByTag and resume from any Offset they have
// seen before.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
)

// Offset is a position in the global event order.
// Offsets are assigned from 1; NoOffset means nothing has been consumed.
type Offset uint64

// NoOffset is the zero offset of a consumer without progress.
const NoOffset Offset = 0

// Tag classifies an event for cross-entity consumption.
type Tag string

// Event is an immutable fact about one entity.
type Event struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   entity.ID       `json:"entity_id"`
	Revision   uint64          `json:"revision"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Tags       []Tag           `json:"tags,omitempty"`
}

// HasTag reports whether the event carries tag.
func (e Event) HasTag(tag Tag) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Envelope pairs an event with its position in the global order.
type Envelope struct {
	Event  Event
	Offset Offset
}

// Log is the append-only event store.
// Implementations must be safe for concurrent use.
type Log interface {
	// Append stores ev as the next event of its entity if the entity is
	// currently at expectedRevision. The stored event gets
	// Revision = expectedRevision+1 and the next global offset.
	// Returns a *ConcurrentAppendError on a revision mismatch.
	Append(ctx context.Context, ev Event, expectedRevision uint64) (Offset, error)

	// Events returns the events of one entity with revisions in [from, to],
	// in revision order. A to of 0 means up to the latest revision.
	Events(ctx context.Context, entityType string, id entity.ID, from, to uint64) ([]Event, error)

	// ReadByTag returns up to limit events carrying tag with offsets
	// strictly greater than after, in offset order.
	ReadByTag(ctx context.Context, tag Tag, after Offset, limit int) ([]Envelope, error)

	// Head returns the offset of the latest appended event.
	Head(ctx context.Context) (Offset, error)

	// Notify returns a channel that is closed by the next successful append.
	Notify() <-chan struct{}
}

// Sentinel errors for event log operations.
var (
	// ErrConcurrentAppend indicates another writer appended at the expected revision.
	ErrConcurrentAppend = errors.New("concurrent append")

	// ErrRevisionNotFound indicates a revision beyond the entity's head was requested.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrInvalidEvent indicates an event that cannot be stored.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrLogClosed indicates the log has been closed.
	ErrLogClosed = errors.New("event log closed")
)

// ConcurrentAppendError reports a failed compare-and-append.
type ConcurrentAppendError struct {
	EntityID entity.ID
	Expected uint64
	Actual   uint64
}

// Error implements the error interface.
func (e *ConcurrentAppendError) Error() string {
	return fmt.Sprintf("concurrent append on %s: expected revision %d, found %d", e.EntityID, e.Expected, e.Actual)
}

// Unwrap returns ErrConcurrentAppend.
func (e *ConcurrentAppendError) Unwrap() error {
	return ErrConcurrentAppend
}

// validate checks the fields every implementation relies on.
func validate(ev Event) error {
	if ev.EntityType == "" {
		return fmt.Errorf("%w: empty entity type", ErrInvalidEvent)
	}
	if ev.EntityID == "" {
		return fmt.Errorf("%w: empty entity id", ErrInvalidEvent)
	}
	return nil
}
