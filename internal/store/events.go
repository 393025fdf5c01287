// ABOUTME: Agent event history queries for the SQLite store
// ABOUTME: Records lifecycle and status events and lists them newest first

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timestampFormat is fixed width so stored timestamps sort lexically.
const timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// RecordAgentEvent persists an agent event to the database
func (s *SQLiteStore) RecordAgentEvent(ctx context.Context, event *AgentEvent) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO agent_events (
			event_id, instance_uid, session_id, type, remote_addr, config_hash, status, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.InstanceUID,
		event.SessionID,
		string(event.Type),
		event.RemoteAddr,
		event.ConfigHash,
		event.Status,
		event.Detail,
		event.CreatedAt.UTC().Format(timestampFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting agent event: %w", err)
	}

	s.logger.Debug("saved agent event",
		"event_id", event.ID,
		"agent_id", event.InstanceUID,
		"type", event.Type,
	)
	return nil
}

// ListAgentEvents returns the newest events for one agent, newest first
func (s *SQLiteStore) ListAgentEvents(ctx context.Context, instanceUID string, limit int) ([]*AgentEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT event_id, instance_uid, session_id, type, remote_addr, config_hash, status, detail, created_at
		FROM agent_events
		WHERE instance_uid = ?
		ORDER BY rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, instanceUID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying agent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListRecentEvents returns the newest events across all agents, newest first
func (s *SQLiteStore) ListRecentEvents(ctx context.Context, limit int) ([]*AgentEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT event_id, instance_uid, session_id, type, remote_addr, config_hash, status, detail, created_at
		FROM agent_events
		ORDER BY rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// PruneEvents deletes events created before the cutoff
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_events WHERE created_at < ?`,
		before.UTC().Format(timestampFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning agent events: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned events: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned agent events", "count", n, "before", before)
	}
	return n, nil
}

// scanEvents reads all rows into AgentEvent values
func scanEvents(rows *sql.Rows) ([]*AgentEvent, error) {
	var events []*AgentEvent
	for rows.Next() {
		event := &AgentEvent{}
		var eventType, createdAt string
		if err := rows.Scan(
			&event.ID,
			&event.InstanceUID,
			&event.SessionID,
			&eventType,
			&event.RemoteAddr,
			&event.ConfigHash,
			&event.Status,
			&event.Detail,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning agent event: %w", err)
		}
		event.Type = EventType(eventType)

		ts, err := time.Parse(timestampFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
		}
		event.CreatedAt = ts

		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent events: %w", err)
	}
	return events, nil
}
