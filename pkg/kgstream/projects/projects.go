// Package projects is the project aggregate of the knowledge-graph
// backend and its projection into the projects search index.
//
// Projects are identified by entity.Key(owner, iri). They can be created,
// updated, tagged and deprecated. Every command names the revision it was
// based on; a creation expects revision 0.
package projects

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/randalmurphal/kgstream/pkg/kgstream/aggregate"
	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
)

// EntityType is the aggregate type name and the tag every project event carries.
const EntityType = "project"

// Tag selects project events in the log.
const Tag = eventlog.Tag(EntityType)

// State is the current state of a project.
type State struct {
	Exists      bool     `json:"exists"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Deprecated  bool     `json:"deprecated"`
}

// Command is a request to change a project.
type Command interface {
	command()
}

// Create creates a project. Revision is the expected revision of a new
// project and must be 0.
type Create struct {
	Revision    uint64
	Name        string
	Description string
}

// Update replaces the name and description.
type Update struct {
	Revision    uint64
	Name        string
	Description string
}

// AddTags adds tags to a project.
type AddTags struct {
	Revision uint64
	Tags     []string
}

// Deprecate marks a project as deprecated. Deprecated projects accept no
// further changes.
type Deprecate struct {
	Revision uint64
}

func (Create) command()    {}
func (Update) command()    {}
func (AddTags) command()   {}
func (Deprecate) command() {}

// EventKind names a project event.
type EventKind string

// Project events.
const (
	Created    EventKind = "created"
	Updated    EventKind = "updated"
	Tagged     EventKind = "tagged"
	Deprecated EventKind = "deprecated"
)

// Event is a project event as stored in the log.
type Event struct {
	Kind        EventKind `json:"kind"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Next folds an event into a state.
func Next(s State, e Event) State {
	switch e.Kind {
	case Created:
		s = State{Exists: true, Name: e.Name, Description: e.Description}
	case Updated:
		s.Name, s.Description = e.Name, e.Description
	case Tagged:
		s.Tags = mergeTags(s.Tags, e.Tags)
	case Deprecated:
		s.Deprecated = true
	}
	return s
}

// Evaluate decides the event for a command.
func Evaluate(_ context.Context, s State, revision uint64, cmd Command) (Event, error) {
	switch c := cmd.(type) {
	case Create:
		if s.Exists {
			return Event{}, aggregate.RejectAlreadyExists()
		}
		if err := aggregate.CheckRevision(c.Revision, revision); err != nil {
			return Event{}, err
		}
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return Event{}, aggregate.RejectInvalid("project name must not be empty")
		}
		return Event{Kind: Created, Name: name, Description: c.Description}, nil

	case Update:
		if err := checkMutable(s, c.Revision, revision); err != nil {
			return Event{}, err
		}
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return Event{}, aggregate.RejectInvalid("project name must not be empty")
		}
		return Event{Kind: Updated, Name: name, Description: c.Description}, nil

	case AddTags:
		if err := checkMutable(s, c.Revision, revision); err != nil {
			return Event{}, err
		}
		tags := mergeTags(nil, c.Tags)
		if len(tags) == 0 {
			return Event{}, aggregate.RejectInvalid("no tags given")
		}
		return Event{Kind: Tagged, Tags: tags}, nil

	case Deprecate:
		if err := checkMutable(s, c.Revision, revision); err != nil {
			return Event{}, err
		}
		return Event{Kind: Deprecated}, nil
	}
	return Event{}, aggregate.RejectInvalid("unknown project command %T", cmd)
}

func checkMutable(s State, provided, current uint64) error {
	if !s.Exists {
		return aggregate.RejectNotFound("project does not exist")
	}
	if err := aggregate.CheckRevision(provided, current); err != nil {
		return err
	}
	if s.Deprecated {
		return aggregate.RejectInvalid("project is deprecated")
	}
	return nil
}

// mergeTags returns the sorted union of existing and added without blanks.
func mergeTags(existing, added []string) []string {
	set := make(map[string]struct{}, len(existing)+len(added))
	for _, t := range existing {
		set[t] = struct{}{}
	}
	for _, t := range added {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// OwnerTag selects the project events of one owner.
func OwnerTag(owner string) eventlog.Tag {
	return eventlog.Tag("owner:" + owner)
}

// Definition returns the project aggregate definition.
func Definition() aggregate.Definition[State, Command, Event] {
	return aggregate.Definition[State, Command, Event]{
		EntityType: EntityType,
		Next:       Next,
		Evaluate:   Evaluate,
		EventType:  func(e Event) string { return string(e.Kind) },
		Tags: func(id entity.ID, _ Event) []eventlog.Tag {
			if owner, _, ok := entity.Split(id); ok {
				return []eventlog.Tag{OwnerTag(owner)}
			}
			return nil
		},
	}
}

// New creates the project aggregate.
func New(log eventlog.Log, opts ...aggregate.Option) (*aggregate.Aggregate[State, Command, Event], error) {
	return aggregate.New(Definition(), log, opts...)
}

// Decode reads a project event from a log record.
func Decode(ev eventlog.Event) (Event, error) {
	var e Event
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return e, fmt.Errorf("decode project event %s@%d: %w", ev.EntityID, ev.Revision, err)
	}
	return e, nil
}

// Replay rebuilds the state of a project at revision from the log.
func Replay(ctx context.Context, log eventlog.Log, id entity.ID, revision uint64) (State, error) {
	return eventlog.FetchStateAt(ctx, log, EntityType, id, revision, State{},
		func(s State, ev eventlog.Event) (State, error) {
			e, err := Decode(ev)
			if err != nil {
				return s, err
			}
			return Next(s, e), nil
		})
}
