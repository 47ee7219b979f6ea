package index

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
)

// MemoryIndex is an in-memory Client for tests and examples.
// Failures can be injected to exercise retry paths.
type MemoryIndex struct {
	mu       sync.RWMutex
	mappings map[string]json.RawMessage
	docs     map[string]map[string]json.RawMessage
	bulks    int
	ops      int

	failures []error
}

var _ Client = (*MemoryIndex)(nil)

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		mappings: make(map[string]json.RawMessage),
		docs:     make(map[string]map[string]json.RawMessage),
	}
}

// FailNext makes the next len(errs) calls fail with errs in order.
func (m *MemoryIndex) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

func (m *MemoryIndex) injectedLocked() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

// CreateIndexIfAbsent implements Client.
func (m *MemoryIndex) CreateIndexIfAbsent(ctx context.Context, name string, mapping json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return &Error{Status: http.StatusBadRequest, Message: "index name is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injectedLocked(); err != nil {
		return err
	}
	if _, ok := m.docs[name]; ok {
		return nil
	}
	m.mappings[name] = append(json.RawMessage(nil), mapping...)
	m.docs[name] = make(map[string]json.RawMessage)
	return nil
}

// Bulk implements Client. All ops are validated before any is applied.
func (m *MemoryIndex) Bulk(ctx context.Context, ops []Op, _ Refresh) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injectedLocked(); err != nil {
		return err
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
		if _, ok := m.docs[op.Index]; !ok {
			return &Error{Status: http.StatusNotFound, Index: op.Index, Message: "no such index"}
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case OpIndex:
			m.docs[op.Index][op.ID] = append(json.RawMessage(nil), op.Body...)
		case OpDelete:
			delete(m.docs[op.Index], op.ID)
		}
	}
	m.bulks++
	m.ops += len(ops)
	return nil
}

// Get returns a stored document.
func (m *MemoryIndex) Get(index, id string) (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[index][id]
	return doc, ok
}

// Count returns the number of documents in index.
func (m *MemoryIndex) Count(index string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[index])
}

// Exists reports whether index has been created.
func (m *MemoryIndex) Exists(index string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[index]
	return ok
}

// Bulks returns the number of successful bulk calls and the ops they carried.
func (m *MemoryIndex) Bulks() (calls, ops int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bulks, m.ops
}
