// ABOUTME: Represents a single connected OpAMP agent and the channel used to reach it
// ABOUTME: Tracks the last reported status and serializes writes to the channel

package agent

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/2389/opamp-gateway/internal/transport"
)

// Well-known OpenTelemetry resource attributes surfaced in AgentInfo.
const (
	attrServiceName    = "service.name"
	attrServiceVersion = "service.version"
	attrHostName       = "host.name"
	attrOSType         = "os.type"
)

// Connection is the handle stored in the registry for one live session.
// Registry removal compares handles by pointer, so every session owns exactly
// one Connection.
type Connection struct {
	SessionID   string
	RemoteAddr  string
	ConnectedAt time.Time

	channel transport.Channel
	writeMu sync.Mutex

	mu          sync.RWMutex
	uid         InstanceUID
	lastSeen    time.Time
	sequenceNum uint64
	description *protobufs.AgentDescription
	status      *protobufs.RemoteConfigStatus

	logger *slog.Logger
}

// ConnectionParams contains the parameters for creating a new Connection.
type ConnectionParams struct {
	SessionID string
	Channel   transport.Channel
	Logger    *slog.Logger
}

// NewConnection creates a Connection for a freshly accepted channel.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		SessionID:   p.SessionID,
		RemoteAddr:  p.Channel.RemoteAddr(),
		ConnectedAt: time.Now(),
		channel:     p.Channel,
		logger:      logger,
	}
}

// Send writes one encoded message to the agent. Writes from the session loop
// and from pushes never interleave.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.channel.Send(ctx, data)
}

// Close closes the underlying channel. Safe to call more than once.
func (c *Connection) Close(code int, reason string) error {
	err := c.channel.Close(code, reason)
	if err != nil {
		c.logger.Debug("closing channel", "session_id", c.SessionID, "error", err)
	}
	return err
}

// UID returns the identity last reported on this connection.
func (c *Connection) UID() InstanceUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uid
}

// Observe records the state carried by an identified request.
// Description and status are only replaced when the agent sends them, since
// OpAMP agents omit unchanged fields.
func (c *Connection) Observe(uid InstanceUID, req *protobufs.AgentToServer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.uid = uid
	c.lastSeen = time.Now()
	c.sequenceNum = req.GetSequenceNum()
	if d := req.GetAgentDescription(); d != nil {
		c.description = d
	}
	if s := req.GetRemoteConfigStatus(); s != nil {
		c.status = s
	}
}

// Info returns a snapshot of the connection for listing.
func (c *Connection) Info() *AgentInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := &AgentInfo{
		InstanceUID: c.uid.String(),
		SessionID:   c.SessionID,
		RemoteAddr:  c.RemoteAddr,
		ConnectedAt: c.ConnectedAt,
		LastSeen:    c.lastSeen,
		SequenceNum: c.sequenceNum,
	}

	if c.description != nil {
		info.ServiceName = attributeString(c.description.GetIdentifyingAttributes(), attrServiceName)
		info.ServiceVersion = attributeString(c.description.GetIdentifyingAttributes(), attrServiceVersion)
		info.Hostname = attributeString(c.description.GetNonIdentifyingAttributes(), attrHostName)
		info.OSType = attributeString(c.description.GetNonIdentifyingAttributes(), attrOSType)
	}

	if c.status != nil {
		info.RemoteConfigStatus = RemoteConfigStatusString(c.status.GetStatus())
		info.LastConfigHash = hex.EncodeToString(c.status.GetLastRemoteConfigHash())
		info.ConfigError = c.status.GetErrorMessage()
	}

	return info
}

// attributeString returns the string value for key, or "" if absent.
func attributeString(attrs []*protobufs.KeyValue, key string) string {
	for _, kv := range attrs {
		if kv.GetKey() == key {
			return kv.GetValue().GetStringValue()
		}
	}
	return ""
}

// RemoteConfigStatusString converts a RemoteConfigStatuses enum to a string.
func RemoteConfigStatusString(s protobufs.RemoteConfigStatuses) string {
	switch s {
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_UNSET:
		return "unset"
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED:
		return "applied"
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLYING:
		return "applying"
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED:
		return "failed"
	default:
		return "unknown"
	}
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	InstanceUID        string    `json:"instance_uid"`
	SessionID          string    `json:"session_id"`
	RemoteAddr         string    `json:"remote_addr"`
	ConnectedAt        time.Time `json:"connected_at"`
	LastSeen           time.Time `json:"last_seen"`
	SequenceNum        uint64    `json:"sequence_num"`
	ServiceName        string    `json:"service_name,omitempty"`
	ServiceVersion     string    `json:"service_version,omitempty"`
	Hostname           string    `json:"hostname,omitempty"`
	OSType             string    `json:"os_type,omitempty"`
	RemoteConfigStatus string    `json:"remote_config_status,omitempty"`
	LastConfigHash     string    `json:"last_config_hash,omitempty"`
	ConfigError        string    `json:"config_error,omitempty"`
}
