// ABOUTME: OpAMP WebSocket endpoint that upgrades agent connections and runs their sessions
// ABOUTME: Ties each session to the gateway lifetime and keeps idle connections alive with pings

package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/2389/opamp-gateway/internal/session"
	"github.com/2389/opamp-gateway/internal/transport"
)

// errNotWebSocket is the body returned for plain HTTP requests to the OpAMP path.
const errNotWebSocket = "Requires WebSocket connection."

// keepAliveCloseReason is sent when a peer stops answering pings.
const keepAliveCloseReason = "keepalive timeout"

// handleOpAMP accepts one agent WebSocket and runs its session until the
// agent disconnects or the gateway shuts down.
func (g *Gateway) handleOpAMP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(errNotWebSocket))
		return
	}

	if !g.trackSession() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.sessions.Done()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the HTTP error response.
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	if g.config.OpAMP.ReadLimit > 0 {
		conn.SetReadLimit(g.config.OpAMP.ReadLimit)
	}

	// Hijacked connections are not cancelled by http.Server.Shutdown, so the
	// session also stops when the gateway's base context is cancelled.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(g.baseCtx, cancel)
	defer stop()

	ch := transport.NewWebSocketChannel(conn, r.RemoteAddr, g.config.OpAMP.ChunkSize)
	s := session.New(session.Params{
		Channel:  ch,
		Registry: g.agentManager,
		Config:   g.remoteConfig,
		Codec:    &g.codec,
		Events:   g.recorder,
		Filter:   g.statusFilter,
		Metrics:  g.metrics,
		Logger:   g.logger.With("component", "session"),
	})

	go g.keepAlive(ctx, ch, s)

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Debug("session ended with error", "session_id", s.ID(), "error", err)
	}
}

// keepAlive pings the agent until the session ends. A failed ping closes the
// connection, which ends the session's read loop.
func (g *Gateway) keepAlive(ctx context.Context, ch *transport.WebSocketChannel, s *session.Session) {
	if err := ch.KeepAlive(ctx, g.config.OpAMP.KeepAlive); err != nil {
		g.logger.Info("agent stopped answering pings", "session_id", s.ID(), "error", err)
		_ = s.Connection().Close(transport.CloseGoingAway, keepAliveCloseReason)
	}
}

// trackSession registers a new session with the shutdown wait group. It
// reports false once shutdown has begun.
func (g *Gateway) trackSession() bool {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	if g.closing {
		return false
	}
	g.sessions.Add(1)
	return true
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
