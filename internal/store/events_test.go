// ABOUTME: Tests for agent event persistence in the SQLite store
// ABOUTME: Covers recording, per-agent listing, ordering, limits, and pruning

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAgentEvent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	event := &AgentEvent{
		InstanceUID: "018f3a10-4b2c-7000-8000-000000000001",
		SessionID:   "session-1",
		Type:        EventTypeStatus,
		RemoteAddr:  "10.0.0.1:5555",
		ConfigHash:  "abcd",
		Status:      "failed",
		Detail:      "bad config",
		CreatedAt:   created,
	}
	require.NoError(t, store.RecordAgentEvent(ctx, event))
	assert.NotEmpty(t, event.ID, "ID should be assigned")

	events, err := store.ListAgentEvents(ctx, event.InstanceUID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, EventTypeStatus, got.Type)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, "10.0.0.1:5555", got.RemoteAddr)
	assert.Equal(t, "abcd", got.ConfigHash)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "bad config", got.Detail)
	assert.True(t, created.Equal(got.CreatedAt), "created_at round-trips with nanoseconds")
}

func TestRecordAgentEvent_FillsCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := &AgentEvent{InstanceUID: "a", SessionID: "s", Type: EventTypeConnected}
	require.NoError(t, store.RecordAgentEvent(ctx, event))
	assert.False(t, event.CreatedAt.IsZero())
}

func TestRecordAgentEvent_RejectsUnknownType(t *testing.T) {
	store := newTestStore(t)

	err := store.RecordAgentEvent(context.Background(), &AgentEvent{InstanceUID: "a", SessionID: "s", Type: "bogus"})
	assert.Error(t, err)
}

func TestListAgentEvents_NewestFirstAndFiltered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, typ := range []EventType{EventTypeConnected, EventTypeConfigSent, EventTypeStatus, EventTypeDisconnected} {
		require.NoError(t, store.RecordAgentEvent(ctx, &AgentEvent{
			InstanceUID: "agent-a",
			SessionID:   fmt.Sprintf("s-%d", i),
			Type:        typ,
		}))
	}
	require.NoError(t, store.RecordAgentEvent(ctx, &AgentEvent{InstanceUID: "agent-b", SessionID: "x", Type: EventTypeConnected}))

	events, err := store.ListAgentEvents(ctx, "agent-a", 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, EventTypeDisconnected, events[0].Type)
	assert.Equal(t, EventTypeConnected, events[3].Type)

	limited, err := store.ListAgentEvents(ctx, "agent-a", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, EventTypeDisconnected, limited[0].Type)
	assert.Equal(t, EventTypeStatus, limited[1].Type)

	none, err := store.ListAgentEvents(ctx, "agent-missing", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListRecentEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordAgentEvent(ctx, &AgentEvent{
			InstanceUID: fmt.Sprintf("agent-%d", i),
			SessionID:   "s",
			Type:        EventTypeConnected,
		}))
	}

	events, err := store.ListRecentEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "agent-4", events[0].InstanceUID)
	assert.Equal(t, "agent-2", events[2].InstanceUID)
}

func TestPruneEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.RecordAgentEvent(ctx, &AgentEvent{InstanceUID: "a", SessionID: "s", Type: EventTypeConnected, CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, store.RecordAgentEvent(ctx, &AgentEvent{InstanceUID: "a", SessionID: "s", Type: EventTypeStatus, CreatedAt: now.Add(-2 * time.Second)}))
	require.NoError(t, store.RecordAgentEvent(ctx, &AgentEvent{InstanceUID: "a", SessionID: "s", Type: EventTypeStatus, CreatedAt: now.Add(-1500 * time.Millisecond)}))

	removed, err := store.PruneEvents(ctx, now.Add(-1800*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	events, err := store.ListAgentEvents(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeStatus, events[0].Type)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultEventLimit, clampLimit(0))
	assert.Equal(t, DefaultEventLimit, clampLimit(-3))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxEventLimit, clampLimit(MaxEventLimit+1))
}
