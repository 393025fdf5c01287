// ABOUTME: Registry of connected OpAMP agents keyed by instance UID
// ABOUTME: Newer connections supersede older ones; removal only evicts the caller's own handle

package agent

import (
	"log/slog"
	"sort"
	"sync"
)

// Manager maps agent identities to their live connections.
// All methods are safe for concurrent use.
type Manager struct {
	agents map[InstanceUID]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents: make(map[InstanceUID]*Connection),
		logger: logger,
	}
}

// Upsert points uid at conn, replacing any previous connection.
// It returns the connection that was replaced, or nil. Re-inserting the same
// handle is a no-op.
func (m *Manager) Upsert(uid InstanceUID, conn *Connection) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, exists := m.agents[uid]
	if exists && prev == conn {
		return nil
	}

	m.agents[uid] = conn
	if exists {
		m.logger.Info("=== AGENT RECONNECTED ===",
			"agent_id", uid.String(),
			"session_id", conn.SessionID,
			"previous_session_id", prev.SessionID,
			"total_agents", len(m.agents),
		)
		return prev
	}

	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", uid.String(),
		"session_id", conn.SessionID,
		"remote_addr", conn.RemoteAddr,
		"total_agents", len(m.agents),
	)
	return nil
}

// RemoveIfCurrent deletes the entry for uid only if it still refers to conn.
// It reports whether an entry was removed. A session that was superseded by a
// newer connection for the same UID leaves the newer entry in place.
func (m *Manager) RemoveIfCurrent(uid InstanceUID, conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.agents[uid]
	if !exists || current != conn {
		return false
	}

	delete(m.agents, uid)
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", uid.String(),
		"session_id", conn.SessionID,
		"total_agents", len(m.agents),
	)
	return true
}

// Lookup returns the live connection for uid.
func (m *Manager) Lookup(uid InstanceUID) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.agents[uid]
	return conn, ok
}

// IsOnline reports whether uid has a live connection.
func (m *Manager) IsOnline(uid InstanceUID) bool {
	_, ok := m.Lookup(uid)
	return ok
}

// Count returns the number of registered agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// ListAgents returns information about all connected agents, ordered by UID.
func (m *Manager) ListAgents() []*AgentInfo {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, conn := range m.agents {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	agents := make([]*AgentInfo, 0, len(conns))
	for _, conn := range conns {
		agents = append(agents, conn.Info())
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].InstanceUID < agents[j].InstanceUID
	})
	return agents
}

// CloseAll closes every registered connection concurrently and returns once
// each close handshake has finished. Entries are removed by the owning
// sessions as they tear down.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, conn := range m.agents {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.Close(code, reason)
		}()
	}
	wg.Wait()
}
