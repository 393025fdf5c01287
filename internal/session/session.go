// ABOUTME: Per-connection OpAMP message loop from accept to teardown
// ABOUTME: Decodes agent messages, tracks identity in the registry, and answers with reconciled config

package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/2389/opamp-gateway/internal/agent"
	"github.com/2389/opamp-gateway/internal/dedupe"
	"github.com/2389/opamp-gateway/internal/metrics"
	"github.com/2389/opamp-gateway/internal/opamp"
	"github.com/2389/opamp-gateway/internal/remoteconfig"
	"github.com/2389/opamp-gateway/internal/store"
	"github.com/2389/opamp-gateway/internal/transport"
)

// ErrMissingIdentity is reported for agent messages without an instance UID.
var ErrMissingIdentity = errors.New("agent message has no instance uid")

// State is the lifecycle position of a session.
type State int32

const (
	StateAccepted State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reasons a session ended, used in logs and metrics.
const (
	EndClosed         = "closed"
	EndPrematureClose = "premature_close"
	EndShutdown       = "shutdown"
	EndEncodeError    = "encode_error"
	EndIOError        = "io_error"

	// EndIdentityChanged marks the release of a UID the agent stopped using.
	// The session itself keeps running.
	EndIdentityChanged = "instance_uid_changed"
)

// CloseReason is the text sent with the close frame at teardown.
const CloseReason = "Server closing"

// ConfigSource supplies the remote config offered to agents.
type ConfigSource interface {
	Current() *remoteconfig.Snapshot
}

// EventSink accepts agent history events without blocking.
type EventSink interface {
	Record(event *store.AgentEvent) bool
}

// Params contains the parameters for creating a Session.
type Params struct {
	Channel  transport.Channel
	Registry *agent.Manager
	Config   ConfigSource
	Codec    *opamp.Codec     // Defaults to opamp.DefaultCodec
	Events   EventSink        // Optional
	Filter   *dedupe.Cache    // Optional; suppresses repeated status events
	Metrics  *metrics.Metrics // Optional
	Logger   *slog.Logger
}

// Session runs the message loop for one accepted connection.
type Session struct {
	id       string
	conn     *agent.Connection
	reader   *transport.FrameReader
	registry *agent.Manager
	config   ConfigSource
	codec    opamp.Codec
	events   EventSink
	filter   *dedupe.Cache
	metrics  *metrics.Metrics
	logger   *slog.Logger

	state atomic.Int32

	// uid is the last identity seen. Only the loop goroutine touches it.
	uid agent.InstanceUID

	teardownOnce sync.Once
}

// New creates a session in the Accepted state.
func New(p Params) *Session {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	codec := opamp.DefaultCodec
	if p.Codec != nil {
		codec = *p.Codec
	}

	id := uuid.New().String()
	logger = logger.With("session_id", id)

	s := &Session{
		id:       id,
		registry: p.Registry,
		config:   p.Config,
		codec:    codec,
		events:   p.Events,
		filter:   p.Filter,
		metrics:  p.Metrics,
		logger:   logger,
	}
	s.conn = agent.NewConnection(agent.ConnectionParams{
		SessionID: id,
		Channel:   p.Channel,
		Logger:    logger,
	})
	s.reader = transport.NewFrameReader(p.Channel, logger)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connection returns the handle this session stores in the registry.
func (s *Session) Connection() *agent.Connection {
	return s.conn
}

// Run processes messages until the peer closes the connection, the transport
// fails, or ctx is cancelled. Teardown always runs before Run returns.
// A clean close by the peer returns nil.
func (s *Session) Run(ctx context.Context) (err error) {
	s.metrics.SessionStarted()
	s.state.Store(int32(StateActive))
	s.logger.Debug("session started", "remote_addr", s.conn.RemoteAddr)

	defer func() {
		s.teardown(endReason(ctx, err))
	}()

	return s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) error {
	for {
		data, err := s.reader.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Debug("agent closed connection")
				return nil
			}
			return err
		}
		s.metrics.MessageReceived()

		err = s.handle(ctx, data)
		switch {
		case err == nil:
		case errors.Is(err, opamp.ErrMalformed):
			s.metrics.MessageMalformed()
			s.logger.Warn("ignoring malformed agent message", "error", err)
		case errors.Is(err, ErrMissingIdentity):
			s.logger.Warn("ignoring agent message without instance uid", "size", len(data))
		default:
			return err
		}
	}
}

// handle processes one complete message. Malformed input and missing identity
// are returned as recoverable errors; anything else ends the session.
func (s *Session) handle(ctx context.Context, data []byte) error {
	req, err := s.codec.Decode(data)
	if err != nil {
		return err
	}

	s.logger.Debug("received agent message",
		"sequence_num", req.GetSequenceNum(),
		"size", len(data),
	)

	uid := agent.UIDFromBytes(req.GetInstanceUid())
	if uid.IsZero() {
		return ErrMissingIdentity
	}
	s.identify(uid, req)

	var desired *protobufs.AgentRemoteConfig
	if snapshot := s.config.Current(); snapshot != nil {
		desired = snapshot.RemoteConfig()
	}

	resp, reason := opamp.DecideWithReason(req, desired)
	s.logDecision(reason, req)

	out, err := s.codec.Encode(resp)
	if err != nil {
		s.metrics.SendFailed()
		return err
	}

	if err := s.conn.Send(ctx, out); err != nil {
		s.metrics.SendFailed()
		return fmt.Errorf("sending response: %w", err)
	}
	s.metrics.ResponseSent(reason.NeedsUpdate())
	s.logger.Debug("sent server message",
		"sequence_num", req.GetSequenceNum(),
		"has_remote_config", resp.GetRemoteConfig() != nil,
		"size", len(out),
	)

	if reason.NeedsUpdate() {
		hash := hex.EncodeToString(desired.GetConfigHash())
		s.record(uid, "config_sent", hash, &store.AgentEvent{
			Type:       store.EventTypeConfigSent,
			ConfigHash: hash,
			Detail:     reason.String(),
		})
	}
	return nil
}

// identify binds uid to this session's handle and records what the agent reported.
func (s *Session) identify(uid agent.InstanceUID, req *protobufs.AgentToServer) {
	if uid != s.uid {
		if !s.uid.IsZero() {
			s.logger.Info("agent changed instance uid", "new_agent_id", uid.String())
			s.release(s.uid, EndIdentityChanged)
		}
		s.uid = uid
		s.logger = s.logger.With("agent_id", uid.String())
		s.record(uid, "", "", &store.AgentEvent{
			Type:       store.EventTypeConnected,
			RemoteAddr: s.conn.RemoteAddr,
		})
	}

	s.conn.Observe(uid, req)
	if prev := s.registry.Upsert(uid, s.conn); prev != nil {
		s.metrics.Superseded()
	}

	if desc := req.GetAgentDescription(); desc != nil {
		s.logger.Debug("agent description",
			"identifying_attributes", len(desc.GetIdentifyingAttributes()),
			"non_identifying_attributes", len(desc.GetNonIdentifyingAttributes()),
		)
	}

	if status := req.GetRemoteConfigStatus(); status != nil {
		statusName := agent.RemoteConfigStatusString(status.GetStatus())
		hash := hex.EncodeToString(status.GetLastRemoteConfigHash())
		s.logger.Info("remote config status",
			"status", statusName,
			"config_hash", hash,
			"error", status.GetErrorMessage(),
		)
		s.record(uid, "status", statusName+"/"+hash+"/"+status.GetErrorMessage(), &store.AgentEvent{
			Type:       store.EventTypeStatus,
			ConfigHash: hash,
			Status:     statusName,
			Detail:     status.GetErrorMessage(),
		})
	}
}

func (s *Session) logDecision(reason opamp.Reason, req *protobufs.AgentToServer) {
	switch reason {
	case opamp.ReasonNoHash:
		s.logger.Info("agent reported no config hash, sending remote config")
	case opamp.ReasonHashMismatch:
		s.logger.Info("agent config hash differs, sending remote config",
			"agent_hash", hex.EncodeToString(req.GetRemoteConfigStatus().GetLastRemoteConfigHash()),
		)
	case opamp.ReasonUpToDate:
		s.logger.Debug("agent config is up to date")
	case opamp.ReasonNoConfig:
		s.logger.Debug("no remote config to offer")
	}
}

// record hands an event to the sink. When kind is set, the event is dropped
// if this session already recorded fingerprint for the agent.
func (s *Session) record(uid agent.InstanceUID, kind, fingerprint string, event *store.AgentEvent) {
	if s.events == nil {
		return
	}
	if kind != "" && s.filter != nil && !s.filter.Changed(s.filterKey(uid, kind), fingerprint) {
		return
	}
	event.InstanceUID = uid.String()
	event.SessionID = s.id
	if !s.events.Record(event) {
		s.metrics.EventDropped()
	}
}

// filterKey scopes dedupe state to this session so another session for the
// same agent can never clear or pre-empt it.
func (s *Session) filterKey(uid agent.InstanceUID, kind string) string {
	return s.id + "/" + uid.String() + "/" + kind
}

// release gives up uid: the session's dedupe state for it and, if this
// session still owns it, the registry entry, recording a disconnect.
func (s *Session) release(uid agent.InstanceUID, reason string) {
	if s.filter != nil {
		s.filter.Forget(s.filterKey(uid, "status"))
		s.filter.Forget(s.filterKey(uid, "config_sent"))
	}
	if s.registry.RemoveIfCurrent(uid, s.conn) {
		s.record(uid, "", "", &store.AgentEvent{
			Type:   store.EventTypeDisconnected,
			Detail: reason,
		})
	}
}

// teardown releases the registry entry and closes the channel. It runs
// exactly once per session.
func (s *Session) teardown(reason string) {
	s.teardownOnce.Do(func() {
		s.state.Store(int32(StateDraining))

		if !s.uid.IsZero() {
			s.release(s.uid, reason)
		}

		_ = s.conn.Close(closeCode(reason), CloseReason)

		s.metrics.SessionEnded(reason)
		s.state.Store(int32(StateClosed))
		s.logger.Info("session ended", "reason", reason)
	})
}

// endReason classifies the error that ended the loop.
func endReason(ctx context.Context, err error) string {
	var encErr *opamp.EncodeError
	switch {
	case err == nil:
		return EndClosed
	case ctx.Err() != nil:
		return EndShutdown
	case errors.Is(err, transport.ErrPrematureClose):
		return EndPrematureClose
	case errors.As(err, &encErr):
		return EndEncodeError
	default:
		return EndIOError
	}
}

func closeCode(reason string) int {
	switch reason {
	case EndShutdown:
		return transport.CloseGoingAway
	case EndEncodeError:
		return transport.CloseInternalError
	default:
		return transport.CloseNormal
	}
}
