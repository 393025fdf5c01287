// ABOUTME: Minimal OpAMP agent that reports status and applies remote config over WebSocket
// ABOUTME: Used for manual and end-to-end testing of the gateway

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/websocket"
	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/proto"
)

const agentCapabilities = uint64(protobufs.AgentCapabilities_AgentCapabilities_ReportsStatus |
	protobufs.AgentCapabilities_AgentCapabilities_AcceptsRemoteConfig |
	protobufs.AgentCapabilities_AgentCapabilities_ReportsRemoteConfig)

// fakeAgent holds the state one agent carries across messages.
type fakeAgent struct {
	uid         []byte
	serviceName string
	hostname    string
	configDir   string // Remote config files are written here when set
	interval    time.Duration
	logger      *slog.Logger

	seq    uint64
	status *protobufs.RemoteConfigStatus
}

// run connects to url and exchanges messages until ctx is done, the server
// closes the connection, or maxResponses responses have been handled
// (0 means unlimited).
func (a *fakeAgent) run(ctx context.Context, url string, maxResponses int) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	defer conn.CloseNow()

	a.logger.Info("connected", "url", url)

	if err := a.send(ctx, conn, a.firstMessage()); err != nil {
		return err
	}

	for handled := 0; maxResponses == 0 || handled < maxResponses; handled++ {
		resp, err := a.receive(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "agent stopping")
				return nil
			}
			if status := websocket.CloseStatus(err); status != -1 {
				a.logger.Info("server closed connection", "code", status.String())
				return nil
			}
			return err
		}

		a.handle(resp)
		if maxResponses != 0 && handled+1 >= maxResponses {
			break
		}
		if resp.GetRemoteConfig() == nil && !a.wait(ctx) {
			_ = conn.Close(websocket.StatusNormalClosure, "agent stopping")
			return nil
		}
		if err := a.send(ctx, conn, a.heartbeat()); err != nil {
			return err
		}
	}

	return conn.Close(websocket.StatusNormalClosure, "agent done")
}

// handle applies a response. Sending the follow-up is left to run, so the
// sequence number only advances for messages that go out.
func (a *fakeAgent) handle(resp *protobufs.ServerToAgent) {
	a.logger.Debug("received response",
		"capabilities", resp.GetCapabilities(),
		"has_remote_config", resp.GetRemoteConfig() != nil,
	)

	if rc := resp.GetRemoteConfig(); rc != nil {
		a.apply(rc)
	}
}

// wait sleeps until the next heartbeat is due. It reports false if ctx ends
// first. A config change skips the wait so the result is reported at once.
func (a *fakeAgent) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(a.interval):
		return true
	}
}

// apply writes the config files and records the resulting status.
func (a *fakeAgent) apply(rc *protobufs.AgentRemoteConfig) {
	hash := rc.GetConfigHash()
	logger := a.logger.With("config_hash", hex.EncodeToString(hash))

	status := &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: hash,
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
	}
	if err := a.writeConfig(rc.GetConfig()); err != nil {
		logger.Error("applying remote config", "error", err)
		status.Status = protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED
		status.ErrorMessage = err.Error()
	} else {
		logger.Info("applied remote config", "files", len(rc.GetConfig().GetConfigMap()))
	}
	a.status = status
}

func (a *fakeAgent) writeConfig(m *protobufs.AgentConfigMap) error {
	if a.configDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.configDir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	for name, file := range m.GetConfigMap() {
		base := filepath.Base(name)
		if base == "." || base == string(filepath.Separator) {
			return fmt.Errorf("invalid config file name %q", name)
		}
		if err := os.WriteFile(filepath.Join(a.configDir, base), file.GetBody(), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", base, err)
		}
	}
	return nil
}

func (a *fakeAgent) firstMessage() *protobufs.AgentToServer {
	msg := a.heartbeat()
	msg.Capabilities = agentCapabilities
	msg.AgentDescription = &protobufs.AgentDescription{
		IdentifyingAttributes: []*protobufs.KeyValue{
			stringAttr("service.name", a.serviceName),
			stringAttr("service.version", version),
		},
		NonIdentifyingAttributes: []*protobufs.KeyValue{
			stringAttr("host.name", a.hostname),
			stringAttr("os.type", "linux"),
		},
	}
	return msg
}

func (a *fakeAgent) heartbeat() *protobufs.AgentToServer {
	msg := &protobufs.AgentToServer{
		InstanceUid:        a.uid,
		SequenceNum:        a.seq,
		RemoteConfigStatus: a.status,
	}
	a.seq++
	return msg
}

func (a *fakeAgent) send(ctx context.Context, conn *websocket.Conn, msg *protobufs.AgentToServer) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	// OpAMP over WebSocket prefixes every message with a zero header byte.
	if err := conn.Write(ctx, websocket.MessageBinary, append([]byte{0x00}, data...)); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func (a *fakeAgent) receive(ctx context.Context, conn *websocket.Conn) (*protobufs.ServerToAgent, error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageBinary {
			a.logger.Warn("ignoring non-binary message")
			continue
		}
		if len(data) > 0 && data[0] == 0x00 {
			data = data[1:]
		}
		resp := &protobufs.ServerToAgent{}
		if err := proto.Unmarshal(data, resp); err != nil {
			return nil, errors.Join(errors.New("decoding server message"), err)
		}
		return resp, nil
	}
}

func stringAttr(key, value string) *protobufs.KeyValue {
	return &protobufs.KeyValue{
		Key:   key,
		Value: &protobufs.AnyValue{Value: &protobufs.AnyValue_StringValue{StringValue: value}},
	}
}
