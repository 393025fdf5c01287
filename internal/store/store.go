// ABOUTME: Store interface and data types for opamp-gateway persistence
// ABOUTME: Defines AgentEvent and the Store interface for the agent event history

package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when recording after the store or recorder is closed
var ErrClosed = errors.New("store closed")

// EventType categorizes an agent event
type EventType string

const (
	EventTypeConnected    EventType = "connected"    // Session identified the agent
	EventTypeStatus       EventType = "status"       // Agent reported a new remote config status
	EventTypeConfigSent   EventType = "config_sent"  // Server attached the remote config to a response
	EventTypeDisconnected EventType = "disconnected" // Session ended while owning the registry entry
)

// Default and maximum page sizes for event listings.
const (
	DefaultEventLimit = 50
	MaxEventLimit     = 500
)

// AgentEvent is one entry in an agent's history. Events are append-only.
type AgentEvent struct {
	ID          string
	InstanceUID string // Display form of the agent's instance UID
	SessionID   string
	Type        EventType
	RemoteAddr  string
	ConfigHash  string // Hex hash reported by or sent to the agent
	Status      string // Remote config status, e.g. "applied" or "failed"
	Detail      string // Error message or other free text
	CreatedAt   time.Time
}

// Store defines the interface for agent event persistence
type Store interface {
	// RecordAgentEvent appends an event. ID and CreatedAt are filled when empty.
	RecordAgentEvent(ctx context.Context, event *AgentEvent) error

	// ListAgentEvents returns the newest events for one agent, newest first.
	ListAgentEvents(ctx context.Context, instanceUID string, limit int) ([]*AgentEvent, error)

	// ListRecentEvents returns the newest events across all agents, newest first.
	ListRecentEvents(ctx context.Context, limit int) ([]*AgentEvent, error)

	// PruneEvents deletes events created before the cutoff and returns how many were removed.
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Close releases any resources held by the store
	Close() error
}

// clampLimit applies the default and maximum page sizes.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultEventLimit
	}
	if limit > MaxEventLimit {
		return MaxEventLimit
	}
	return limit
}
