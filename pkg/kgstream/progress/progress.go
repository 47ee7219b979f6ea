// Package progress persists how far each projection has read the event log.
//
// A projection's progress is the offset of the last event whose effects are
// durably in the external index, plus running counters. Stores make saves
// monotonic: an offset lower than the stored one is ignored, so a slow
// writer can never move a projection backwards. Only Delete resets it.
package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
)

// Progress is the persisted position of one projection.
type Progress struct {
	// Offset is the last fully processed event.
	Offset eventlog.Offset `json:"offset"`

	// Processed counts events that produced an index operation.
	Processed int64 `json:"processed"`

	// Discarded counts events the projection does not index.
	Discarded int64 `json:"discarded"`

	// Failed counts events whose exchange failed.
	Failed int64 `json:"failed"`

	// Timestamp is when the progress was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// NoProgress is the progress of a projection that has never run.
var NoProgress = Progress{}

// IsZero reports whether p carries no offset.
func (p Progress) IsZero() bool {
	return p.Offset == eventlog.NoOffset
}

// Advance returns p moved to offset with the batch counters added.
func (p Progress) Advance(offset eventlog.Offset, processed, discarded, failed int, now time.Time) Progress {
	if offset > p.Offset {
		p.Offset = offset
	}
	p.Processed += int64(processed)
	p.Discarded += int64(discarded)
	p.Failed += int64(failed)
	p.Timestamp = now.UTC()
	return p
}

// Store persists projection progress.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save records progress for a projection. A save whose offset is lower
	// than the stored offset is a no-op.
	Save(ctx context.Context, projection string, p Progress) error

	// Load returns the stored progress, or NoProgress if there is none.
	Load(ctx context.Context, projection string) (Progress, error)

	// Delete removes the stored progress.
	// Returns nil if there is none.
	Delete(ctx context.Context, projection string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for progress operations.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("progress store closed")

	// ErrInvalidProjection indicates an empty projection ID.
	ErrInvalidProjection = errors.New("projection id is required")
)

func checkProjection(projection string) error {
	if projection == "" {
		return ErrInvalidProjection
	}
	return nil
}

// Strategy decides where a projection starts.
type Strategy int

const (
	// Continue resumes from the stored offset.
	Continue Strategy = iota

	// FullRestart discards stored progress and starts from the beginning
	// of the log.
	FullRestart
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case Continue:
		return "continue"
	case FullRestart:
		return "full_restart"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a strategy name as produced by String.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue":
		return Continue, nil
	case "full_restart", "full-restart", "restart":
		return FullRestart, nil
	default:
		return Continue, fmt.Errorf("unknown restart strategy %q", s)
	}
}

// Resolve returns the progress a projection should start from under
// strategy. FullRestart deletes the stored progress first.
func Resolve(ctx context.Context, store Store, projection string, strategy Strategy) (Progress, error) {
	switch strategy {
	case Continue:
		p, err := store.Load(ctx, projection)
		if err != nil {
			return NoProgress, fmt.Errorf("load progress of %s: %w", projection, err)
		}
		return p, nil
	case FullRestart:
		if err := store.Delete(ctx, projection); err != nil {
			return NoProgress, fmt.Errorf("reset progress of %s: %w", projection, err)
		}
		return NoProgress, nil
	default:
		return NoProgress, fmt.Errorf("unknown restart strategy %d", strategy)
	}
}
