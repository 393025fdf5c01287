// ABOUTME: Tests for the OpAMP session loop using scripted in-memory channels
// ABOUTME: Covers reconciliation, malformed input, identity handling, supersession, and teardown

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/2389/opamp-gateway/internal/agent"
	"github.com/2389/opamp-gateway/internal/dedupe"
	"github.com/2389/opamp-gateway/internal/metrics"
	"github.com/2389/opamp-gateway/internal/opamp"
	"github.com/2389/opamp-gateway/internal/remoteconfig"
	"github.com/2389/opamp-gateway/internal/store"
	"github.com/2389/opamp-gateway/internal/transport"
)

var testUID = []byte{0x01, 0x8f, 0x3a, 0x10, 0x4b, 0x2c, 0x70, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticConfig struct {
	snapshot *remoteconfig.Snapshot
}

func (c staticConfig) Current() *remoteconfig.Snapshot { return c.snapshot }

type recordingSink struct {
	mu     sync.Mutex
	events []store.AgentEvent
	reject bool
}

func (r *recordingSink) Record(event *store.AgentEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.events = append(r.events, *event)
	return true
}

func (r *recordingSink) types() []store.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func testSnapshot(t *testing.T) *remoteconfig.Snapshot {
	t.Helper()
	snap, err := remoteconfig.NewSnapshot(remoteconfig.DefaultFiles())
	require.NoError(t, err)
	return snap
}

// encodeRequest frames a request the way OpAMP WebSocket agents do.
func encodeRequest(t *testing.T, req *protobufs.AgentToServer) []byte {
	t.Helper()
	data, err := proto.Marshal(req)
	require.NoError(t, err)
	return append([]byte{0x00}, data...)
}

func decodeResponse(t *testing.T, data []byte) *protobufs.ServerToAgent {
	t.Helper()
	require.NotEmpty(t, data)
	require.Equal(t, byte(0x00), data[0], "response should carry the WebSocket header")
	resp := &protobufs.ServerToAgent{}
	require.NoError(t, proto.Unmarshal(data[1:], resp))
	return resp
}

func statusWithHash(hash []byte) *protobufs.RemoteConfigStatus {
	return &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: hash,
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
	}
}

type harness struct {
	registry *agent.Manager
	snapshot *remoteconfig.Snapshot
	sink     *recordingSink
	filter   *dedupe.Cache
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	filter := dedupe.New(time.Minute, 100)
	t.Cleanup(filter.Close)
	return &harness{
		registry: agent.NewManager(testLogger()),
		snapshot: testSnapshot(t),
		sink:     &recordingSink{},
		filter:   filter,
		metrics:  metrics.New(),
	}
}

func (h *harness) newSession(ch transport.Channel) *Session {
	return New(Params{
		Channel:  ch,
		Registry: h.registry,
		Config:   staticConfig{snapshot: h.snapshot},
		Events:   h.sink,
		Filter:   h.filter,
		Metrics:  h.metrics,
		Logger:   testLogger(),
	})
}

// runScript runs a session over a channel preloaded with messages followed by a close.
func (h *harness) runScript(t *testing.T, msgs ...[]byte) (*Session, *transport.MockChannel, error) {
	t.Helper()
	ch := transport.NewMockChannel()
	for _, m := range msgs {
		ch.PushMessage(m, 7)
	}
	ch.PushClose()

	s := h.newSession(ch)
	assert.Equal(t, StateAccepted, s.State())
	err := s.Run(context.Background())
	return s, ch, err
}

func TestSession_FirstContactReceivesConfig(t *testing.T) {
	h := newHarness(t)

	s, ch, err := h.runScript(t, encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID, SequenceNum: 1}))
	require.NoError(t, err)

	sent := ch.Sent()
	require.Len(t, sent, 1)
	resp := decodeResponse(t, sent[0])

	assert.Equal(t, testUID, resp.GetInstanceUid())
	assert.Equal(t, opamp.ServerCapabilities, resp.GetCapabilities())
	require.NotNil(t, resp.GetRemoteConfig())
	assert.Equal(t, h.snapshot.Hash(), resp.GetRemoteConfig().GetConfigHash())
	assert.True(t, proto.Equal(h.snapshot.RemoteConfig().GetConfig(), resp.GetRemoteConfig().GetConfig()))

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, h.registry.Count(), "teardown removes the entry")
	assert.Equal(t, 1, ch.CloseCalls())
	assert.Equal(t, transport.CloseNormal, ch.CloseCode())
}

func TestSession_UpToDateOmitsConfig(t *testing.T) {
	h := newHarness(t)

	_, ch, err := h.runScript(t, encodeRequest(t, &protobufs.AgentToServer{
		InstanceUid:        testUID,
		RemoteConfigStatus: statusWithHash(h.snapshot.Hash()),
	}))
	require.NoError(t, err)

	sent := ch.Sent()
	require.Len(t, sent, 1)
	resp := decodeResponse(t, sent[0])
	assert.Nil(t, resp.GetRemoteConfig())
	assert.Equal(t, opamp.ServerCapabilities, resp.GetCapabilities())
	assert.Equal(t, testUID, resp.GetInstanceUid())
}

func TestSession_MalformedMessageIsSkipped(t *testing.T) {
	h := newHarness(t)

	s, ch, err := h.runScript(t,
		[]byte{0x00, 0xff, 0xff, 0xff},
		encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID, SequenceNum: 2}),
	)
	require.NoError(t, err)

	sent := ch.Sent()
	require.Len(t, sent, 1, "exactly one response for the well-formed message")
	resp := decodeResponse(t, sent[0])
	assert.Equal(t, testUID, resp.GetInstanceUid())
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_MissingIdentityIsIgnored(t *testing.T) {
	h := newHarness(t)

	_, ch, err := h.runScript(t,
		encodeRequest(t, &protobufs.AgentToServer{SequenceNum: 1}),
		encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID, SequenceNum: 2}),
	)
	require.NoError(t, err)

	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testUID, decodeResponse(t, sent[0]).GetInstanceUid())
}

func TestSession_TextMessagesAreIgnored(t *testing.T) {
	h := newHarness(t)

	ch := transport.NewMockChannel()
	ch.PushText("hello")
	ch.PushMessage(encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID}), 0)
	ch.PushClose()

	require.NoError(t, h.newSession(ch).Run(context.Background()))
	assert.Len(t, ch.Sent(), 1)
}

func TestSession_ResponsesInArrivalOrder(t *testing.T) {
	h := newHarness(t)

	var msgs [][]byte
	for i := 0; i < 5; i++ {
		uid := append([]byte(nil), testUID...)
		uid[15] = byte(i)
		msgs = append(msgs, encodeRequest(t, &protobufs.AgentToServer{InstanceUid: uid}))
	}

	_, ch, err := h.runScript(t, msgs...)
	require.NoError(t, err)

	sent := ch.Sent()
	require.Len(t, sent, 5)
	for i, data := range sent {
		assert.Equal(t, byte(i), decodeResponse(t, data).GetInstanceUid()[15])
	}
}

func TestSession_ConcreteReconnectScenario(t *testing.T) {
	h := newHarness(t)
	hash := h.snapshot.Hash()

	// First contact: no status.
	_, ch1, err := h.runScript(t, encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID}))
	require.NoError(t, err)
	r1 := decodeResponse(t, ch1.Sent()[0])
	assert.Equal(t, opamp.ServerCapabilities, r1.GetCapabilities())
	require.NotNil(t, r1.GetRemoteConfig())
	assert.Equal(t, hash, r1.GetRemoteConfig().GetConfigHash())

	// Reconnect reporting the current hash, then a stale one.
	stale := append([]byte(nil), hash...)
	stale[0] ^= 0xff
	_, ch2, err := h.runScript(t,
		encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID, RemoteConfigStatus: statusWithHash(hash)}),
		encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID, RemoteConfigStatus: statusWithHash(stale)}),
	)
	require.NoError(t, err)

	sent := ch2.Sent()
	require.Len(t, sent, 2)
	assert.Nil(t, decodeResponse(t, sent[0]).GetRemoteConfig())
	r3 := decodeResponse(t, sent[1])
	require.NotNil(t, r3.GetRemoteConfig())
	assert.Equal(t, hash, r3.GetRemoteConfig().GetConfigHash())
}

func TestSession_NoSnapshotStillAdvertisesCapabilities(t *testing.T) {
	h := newHarness(t)
	h.snapshot = nil

	_, ch, err := h.runScript(t, encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID}))
	require.NoError(t, err)

	resp := decodeResponse(t, ch.Sent()[0])
	assert.Nil(t, resp.GetRemoteConfig())
	assert.Equal(t, opamp.ServerCapabilities, resp.GetCapabilities())
}

func TestSession_HeaderlessCodec(t *testing.T) {
	h := newHarness(t)
	ch := transport.NewMockChannel()
	ch.PushMessage(encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID}), 0)
	ch.PushClose()

	s := New(Params{
		Channel:  ch,
		Registry: h.registry,
		Config:   staticConfig{snapshot: h.snapshot},
		Codec:    &opamp.Codec{Header: false},
		Logger:   testLogger(),
	})
	require.NoError(t, s.Run(context.Background()))

	sent := ch.Sent()
	require.Len(t, sent, 1)
	resp := &protobufs.ServerToAgent{}
	require.NoError(t, proto.Unmarshal(sent[0], resp))
	assert.Equal(t, testUID, resp.GetInstanceUid())
}

// waitForResponses blocks until ch has at least n sent messages.
func waitForResponses(t *testing.T, ch *transport.MockChannel, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(ch.Sent()) >= n }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_SupersededTeardownKeepsNewerEntry(t *testing.T) {
	h := newHarness(t)
	req := encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID})

	ch1 := transport.NewMockChannel()
	s1 := h.newSession(ch1)
	done1 := make(chan error, 1)
	go func() { done1 <- s1.Run(context.Background()) }()
	ch1.PushMessage(req, 0)
	waitForResponses(t, ch1, 1)

	ch2 := transport.NewMockChannel()
	s2 := h.newSession(ch2)
	done2 := make(chan error, 1)
	go func() { done2 <- s2.Run(context.Background()) }()
	ch2.PushMessage(req, 0)
	waitForResponses(t, ch2, 1)

	current, ok := h.registry.Lookup(agent.UIDFromBytes(testUID))
	require.True(t, ok)
	assert.Same(t, s2.Connection(), current)

	// The older session ends; its cleanup must not evict the newer one.
	ch1.PushClose()
	require.NoError(t, <-done1)
	assert.Equal(t, StateClosed, s1.State())

	current, ok = h.registry.Lookup(agent.UIDFromBytes(testUID))
	require.True(t, ok)
	assert.Same(t, s2.Connection(), current)
	assert.Equal(t, StateActive, s2.State())

	ch2.PushClose()
	require.NoError(t, <-done2)
	assert.Equal(t, 0, h.registry.Count())

	// Only the owning session records a disconnect.
	disconnects := 0
	for _, typ := range h.sink.types() {
		if typ == store.EventTypeDisconnected {
			disconnects++
		}
	}
	assert.Equal(t, 1, disconnects)
}

func TestSession_IdentityChangeMovesRegistryEntry(t *testing.T) {
	h := newHarness(t)
	other := []byte("another-agent")

	ch := transport.NewMockChannel()
	s := h.newSession(ch)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	ch.PushMessage(encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID}), 0)
	waitForResponses(t, ch, 1)
	ch.PushMessage(encodeRequest(t, &protobufs.AgentToServer{InstanceUid: other}), 0)
	waitForResponses(t, ch, 2)

	assert.False(t, h.registry.IsOnline(agent.UIDFromBytes(testUID)))
	assert.True(t, h.registry.IsOnline(agent.UIDFromBytes(other)))

	ch.PushClose()
	require.NoError(t, <-done)
	assert.Equal(t, 0, h.registry.Count())

	// The abandoned UID is released like a teardown: it gets its own disconnect.
	assert.Equal(t, []store.EventType{
		store.EventTypeConnected,
		store.EventTypeConfigSent,
		store.EventTypeDisconnected,
		store.EventTypeConnected,
		store.EventTypeConfigSent,
		store.EventTypeDisconnected,
	}, h.sink.types())

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	released := h.sink.events[2]
	assert.Equal(t, agent.UIDFromBytes(testUID).String(), released.InstanceUID)
	assert.Equal(t, EndIdentityChanged, released.Detail)
	last := h.sink.events[5]
	assert.Equal(t, agent.UIDFromBytes(other).String(), last.InstanceUID)
	assert.Equal(t, EndClosed, last.Detail)
}

func TestSession_DedupeStateIsPerSession(t *testing.T) {
	h := newHarness(t)
	req := encodeRequest(t, &protobufs.AgentToServer{
		InstanceUid:        testUID,
		RemoteConfigStatus: statusWithHash(h.snapshot.Hash()),
	})

	ch1 := transport.NewMockChannel()
	s1 := h.newSession(ch1)
	done1 := make(chan error, 1)
	go func() { done1 <- s1.Run(context.Background()) }()
	ch1.PushMessage(req, 0)
	waitForResponses(t, ch1, 1)

	// A newer session for the same agent takes over the registry entry and
	// then ends, releasing it.
	ch2 := transport.NewMockChannel()
	s2 := h.newSession(ch2)
	done2 := make(chan error, 1)
	go func() { done2 <- s2.Run(context.Background()) }()
	ch2.PushMessage(req, 0)
	waitForResponses(t, ch2, 1)
	ch2.PushClose()
	require.NoError(t, <-done2)

	// The older session repeats its status; the newer session's teardown must
	// not have cleared the fingerprint it already recorded.
	ch1.PushMessage(req, 0)
	waitForResponses(t, ch1, 2)
	ch1.PushClose()
	require.NoError(t, <-done1)

	statusBySession := map[string]int{}
	h.sink.mu.Lock()
	for _, e := range h.sink.events {
		if e.Type == store.EventTypeStatus {
			statusBySession[e.SessionID]++
		}
	}
	h.sink.mu.Unlock()

	assert.Equal(t, 1, statusBySession[s1.ID()])
	assert.Equal(t, 1, statusBySession[s2.ID()], "a new session records its first status")
}

func TestSession_LogsEveryMessageAtDebug(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ch := transport.NewMockChannel()
	ch.PushMessage(encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID, SequenceNum: 7}), 0)
	ch.PushClose()

	s := New(Params{
		Channel:  ch,
		Registry: h.registry,
		Config:   staticConfig{snapshot: h.snapshot},
		Logger:   logger,
	})
	require.NoError(t, s.Run(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `msg="received agent message"`)
	assert.Contains(t, out, `msg="sent server message"`)
	assert.Contains(t, out, "sequence_num=7")
	assert.Contains(t, out, "has_remote_config=true")
}

func TestSession_SendFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	ch := transport.NewMockChannel()
	sendErr := errors.New("broken pipe")
	ch.FailSends(sendErr)
	ch.PushMessage(encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID}), 0)
	// Never delivered: the session must stop at the failed send.
	ch.PushMessage(encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID}), 0)

	s := h.newSession(ch)
	err := s.Run(context.Background())
	require.ErrorIs(t, err, sendErr)

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, h.registry.Count())
	assert.Equal(t, 1, ch.CloseCalls())
}

func TestSession_PrematureCloseEndsSession(t *testing.T) {
	h := newHarness(t)
	ch := transport.NewMockChannel()
	ch.PushMessage(encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID}), 0)
	ch.PushChunk(transport.Chunk{Payload: []byte{0x00, 0x0a}, Kind: transport.KindBinary})
	ch.PushError(fmt.Errorf("%w: unexpected EOF", transport.ErrPrematureClose))

	s := h.newSession(ch)
	err := s.Run(context.Background())
	require.ErrorIs(t, err, transport.ErrPrematureClose)

	assert.Len(t, ch.Sent(), 1)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, h.registry.Count())
	assert.Equal(t, 1, ch.CloseCalls(), "channel is closed even after the peer dropped it")

	events := h.sink.types()
	require.NotEmpty(t, events)
	assert.Equal(t, store.EventTypeDisconnected, events[len(events)-1])
	assert.Equal(t, EndPrematureClose, h.sink.events[len(h.sink.events)-1].Detail)
}

func TestSession_ContextCancelEndsSession(t *testing.T) {
	h := newHarness(t)
	ch := transport.NewMockChannel()
	ctx, cancel := context.WithCancel(context.Background())

	s := h.newSession(ch)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ch.PushMessage(encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID}), 0)
	waitForResponses(t, ch, 1)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after cancellation")
	}
	assert.Equal(t, transport.CloseGoingAway, ch.CloseCode())
	assert.Equal(t, 0, h.registry.Count())
}

func TestSession_ChannelClosedExternallyEndsSession(t *testing.T) {
	h := newHarness(t)
	ch := transport.NewMockChannel()

	s := h.newSession(ch)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	ch.PushMessage(encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID}), 0)
	waitForResponses(t, ch, 1)

	// What Manager.CloseAll does at shutdown.
	h.registry.CloseAll(transport.CloseGoingAway, "shutting down")

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after channel close")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, h.registry.Count())
	assert.Equal(t, 2, ch.CloseCalls(), "teardown close is harmless after an external close")
}

func TestSession_EventsAreRecordedAndDeduplicated(t *testing.T) {
	h := newHarness(t)
	failed := &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: []byte{0xaa},
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED,
		ErrorMessage:         "bad config",
	}

	_, _, err := h.runScript(t,
		encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID, RemoteConfigStatus: failed}),
		encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID, RemoteConfigStatus: failed}),
		encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID, RemoteConfigStatus: statusWithHash(h.snapshot.Hash())}),
	)
	require.NoError(t, err)

	assert.Equal(t, []store.EventType{
		store.EventTypeConnected,
		store.EventTypeStatus,
		store.EventTypeConfigSent,
		store.EventTypeStatus,
		store.EventTypeDisconnected,
	}, h.sink.types())

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	status := h.sink.events[1]
	assert.Equal(t, "failed", status.Status)
	assert.Equal(t, "aa", status.ConfigHash)
	assert.Equal(t, "bad config", status.Detail)
	assert.Equal(t, agent.UIDFromBytes(testUID).String(), status.InstanceUID)
	assert.NotEmpty(t, status.SessionID)

	sent := h.sink.events[2]
	assert.Equal(t, h.snapshot.HashHex(), sent.ConfigHash)
	assert.Equal(t, opamp.ReasonHashMismatch.String(), sent.Detail)
}

func TestSession_TeardownRunsOnce(t *testing.T) {
	h := newHarness(t)
	ch := transport.NewMockChannel()
	ch.PushClose()

	s := h.newSession(ch)
	require.NoError(t, s.Run(context.Background()))
	s.teardown(EndClosed)
	s.teardown(EndIOError)

	assert.Equal(t, 1, ch.CloseCalls())
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_WorksWithoutOptionalCollaborators(t *testing.T) {
	registry := agent.NewManager(testLogger())
	ch := transport.NewMockChannel()
	ch.PushMessage(encodeRequest(t, &protobufs.AgentToServer{InstanceUid: testUID}), 0)
	ch.PushClose()

	s := New(Params{
		Channel:  ch,
		Registry: registry,
		Config:   staticConfig{snapshot: testSnapshot(t)},
	})
	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, ch.Sent(), 1)
}

func TestEndReason(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want string
	}{
		{"clean", context.Background(), nil, EndClosed},
		{"shutdown", cancelled, context.Canceled, EndShutdown},
		{"premature", context.Background(), fmt.Errorf("%w: eof", transport.ErrPrematureClose), EndPrematureClose},
		{"encode", context.Background(), &opamp.EncodeError{Err: errors.New("x")}, EndEncodeError},
		{"io", context.Background(), errors.New("reset"), EndIOError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, endReason(tt.ctx, tt.err))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "accepted", StateAccepted.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
