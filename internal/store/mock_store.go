// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	events    []*AgentEvent // in insertion order
	recordErr error
	closed    bool
	notify    chan struct{}
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		notify: make(chan struct{}, 1),
	}
}

// FailRecords makes subsequent RecordAgentEvent calls return err.
func (m *MockStore) FailRecords(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordErr = err
}

// RecordAgentEvent stores a copy of the event.
func (m *MockStore) RecordAgentEvent(ctx context.Context, event *AgentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.recordErr != nil {
		return m.recordErr
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	// Make a copy to avoid external modification
	e := *event
	m.events = append(m.events, &e)

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// ListAgentEvents returns copies of one agent's events, newest first.
func (m *MockStore) ListAgentEvents(ctx context.Context, instanceUID string, limit int) ([]*AgentEvent, error) {
	return m.list(func(e *AgentEvent) bool { return e.InstanceUID == instanceUID }, limit), nil
}

// ListRecentEvents returns copies of all events, newest first.
func (m *MockStore) ListRecentEvents(ctx context.Context, limit int) ([]*AgentEvent, error) {
	return m.list(func(*AgentEvent) bool { return true }, limit), nil
}

func (m *MockStore) list(match func(*AgentEvent) bool, limit int) []*AgentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	var result []*AgentEvent
	for i := len(m.events) - 1; i >= 0 && len(result) < limit; i-- {
		if match(m.events[i]) {
			e := *m.events[i]
			result = append(result, &e)
		}
	}
	return result
}

// PruneEvents removes events created before the cutoff.
func (m *MockStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var removed int64
	for _, e := range m.events {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return removed, nil
}

// Events returns copies of all events in insertion order.
func (m *MockStore) Events() []AgentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]AgentEvent, len(m.events))
	for i, e := range m.events {
		result[i] = *e
	}
	return result
}

// WaitForEvents blocks until at least n events are stored or the timeout expires.
func (m *MockStore) WaitForEvents(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.RLock()
		count := len(m.events)
		m.mu.RUnlock()
		if count >= n {
			return true
		}
		select {
		case <-m.notify:
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
