// Package index defines the minimal contract the indexing pipeline needs
// from an external document index, and two local implementations.
//
// The contract is two calls: create an index if it does not exist, and
// apply a bulk of index/delete operations. Remote failures are reported as
// *Error values whose status code decides whether a retry can help.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// OpKind selects what a bulk operation does.
type OpKind int

const (
	// OpIndex creates or replaces a document.
	OpIndex OpKind = iota
	// OpDelete removes a document. Deleting a missing document succeeds.
	OpDelete
)

// String returns the bulk action name.
func (k OpKind) String() string {
	switch k {
	case OpIndex:
		return "index"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is one document operation of a bulk request.
type Op struct {
	Kind  OpKind          `json:"kind"`
	Index string          `json:"index"`
	ID    string          `json:"id"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// Key identifies the document an op targets.
func (o Op) Key() string {
	return o.Index + "\x00" + o.ID
}

// IndexDoc builds an index op.
func IndexDoc(index, id string, body json.RawMessage) Op {
	return Op{Kind: OpIndex, Index: index, ID: id, Body: body}
}

// DeleteDoc builds a delete op.
func DeleteDoc(index, id string) Op {
	return Op{Kind: OpDelete, Index: index, ID: id}
}

// Validate reports malformed ops as a 400 *Error.
func (o Op) Validate() error {
	switch {
	case o.Index == "":
		return &Error{Status: http.StatusBadRequest, Message: "op without index"}
	case o.ID == "":
		return &Error{Status: http.StatusBadRequest, Index: o.Index, Message: "op without document id"}
	case o.Kind == OpIndex && !json.Valid(o.Body):
		return &Error{Status: http.StatusBadRequest, Index: o.Index, Message: fmt.Sprintf("document %s: body is not valid JSON", o.ID)}
	case o.Kind != OpIndex && o.Kind != OpDelete:
		return &Error{Status: http.StatusBadRequest, Index: o.Index, Message: fmt.Sprintf("document %s: unknown op kind %d", o.ID, o.Kind)}
	}
	return nil
}

// Refresh controls when bulk writes become visible to searches.
type Refresh string

const (
	// RefreshNone leaves visibility to the index's own schedule.
	RefreshNone Refresh = "false"
	// RefreshWaitFor returns once the writes are visible.
	RefreshWaitFor Refresh = "wait_for"
	// RefreshImmediate forces a refresh after the write.
	RefreshImmediate Refresh = "true"
)

// Client is the external index contract.
// Implementations must be safe for concurrent use.
type Client interface {
	// CreateIndexIfAbsent creates index name with mapping unless it exists.
	CreateIndexIfAbsent(ctx context.Context, name string, mapping json.RawMessage) error

	// Bulk applies ops atomically with respect to the returned error: on
	// error the caller must assume none, some or all ops were applied and
	// retry the whole bulk. Ops are idempotent.
	Bulk(ctx context.Context, ops []Op, refresh Refresh) error
}

// Error is a failure reported by an index.
type Error struct {
	Status  int
	Index   string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Index != "" {
		return fmt.Sprintf("index %s: status %d: %s", e.Index, e.Status, e.Message)
	}
	return fmt.Sprintf("index: status %d: %s", e.Status, e.Message)
}

// StatusCode reports the remote status; 429 and 5xx are transient.
func (e *Error) StatusCode() int {
	return e.Status
}

// Unavailable returns a 503 error, the usual transient failure.
func Unavailable(index, msg string) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Index: index, Message: msg}
}
