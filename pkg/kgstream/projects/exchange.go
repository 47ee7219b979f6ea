package projects

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/index"
)

// IndexName is the default search index for projects.
const IndexName = "projects"

// Mapping is the index mapping for project documents.
var Mapping = json.RawMessage(`{
  "properties": {
    "id":          {"type": "keyword"},
    "owner":       {"type": "keyword"},
    "iri":         {"type": "keyword"},
    "name":        {"type": "text"},
    "description": {"type": "text"},
    "tags":        {"type": "keyword"},
    "revision":    {"type": "long"},
    "updated_at":  {"type": "date"}
  }
}`)

// Document is the indexed form of a project.
type Document struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner,omitempty"`
	IRI         string    `json:"iri,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Revision    uint64    `json:"revision"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Exchange turns project events into index operations. Live projects are
// indexed with their full state at the event's revision; deprecated
// projects are removed from the index.
type Exchange struct {
	log   eventlog.Log
	index string
}

// NewExchange creates an exchange that writes to indexName.
func NewExchange(log eventlog.Log, indexName string) *Exchange {
	if indexName == "" {
		indexName = IndexName
	}
	return &Exchange{log: log, index: indexName}
}

// Exchange implements stream.Exchange.
func (x *Exchange) Exchange(ctx context.Context, env eventlog.Envelope) (index.Op, bool, error) {
	ev := env.Event
	if ev.EntityType != EntityType {
		return index.Op{}, false, nil
	}

	s, err := Replay(ctx, x.log, ev.EntityID, ev.Revision)
	if err != nil {
		return index.Op{}, false, err
	}
	if !s.Exists {
		return index.Op{}, false, nil
	}
	if s.Deprecated {
		return index.DeleteDoc(x.index, string(ev.EntityID)), true, nil
	}

	doc := Document{
		ID:          string(ev.EntityID),
		Name:        s.Name,
		Description: s.Description,
		Tags:        s.Tags,
		Revision:    ev.Revision,
		UpdatedAt:   ev.Timestamp,
	}
	if owner, iri, ok := entity.Split(ev.EntityID); ok {
		doc.Owner, doc.IRI = owner, iri
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return index.Op{}, false, fmt.Errorf("encode project document: %w", err)
	}
	return index.IndexDoc(x.index, doc.ID, body), true, nil
}
