// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	// RecordErr, when set, is returned by RecordInvocation.
	RecordErr error

	mu          sync.RWMutex
	invocations []*Invocation
	byID        map[string]*Invocation
	closed      bool
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		byID: make(map[string]*Invocation),
	}
}

// RecordInvocation stores a copy of the entry.
func (m *MockStore) RecordInvocation(ctx context.Context, inv *Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RecordErr != nil {
		return m.RecordErr
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now()
	}

	// Make a copy to avoid external modification
	c := *inv
	m.invocations = append(m.invocations, &c)
	m.byID[c.ID] = &c
	return nil
}

// GetInvocation retrieves an entry by ID.
func (m *MockStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *inv
	return &c, nil
}

// ListInvocations returns the newest entries of a thread in insertion order.
func (m *MockStore) ListInvocations(ctx context.Context, threadID string, limit int) ([]*Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}

	var out []*Invocation
	for _, inv := range m.invocations {
		if inv.ThreadID == threadID {
			c := *inv
			out = append(out, &c)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// All returns every recorded entry in insertion order.
func (m *MockStore) All() []*Invocation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Invocation, 0, len(m.invocations))
	for _, inv := range m.invocations {
		c := *inv
		out = append(out, &c)
	}
	return out
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
