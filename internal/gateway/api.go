// ABOUTME: HTTP API handlers for inspecting connected agents, their history, and the served config
// ABOUTME: Provides GET /api/agents, /api/agents/{uid}, /api/config, and /api/events

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/opamp-gateway/internal/agent"
	"github.com/2389/opamp-gateway/internal/store"
)

// AgentEventResponse is one history entry in API responses.
type AgentEventResponse struct {
	ID          string `json:"id"`
	InstanceUID string `json:"instance_uid"`
	SessionID   string `json:"session_id"`
	Type        string `json:"type"`
	RemoteAddr  string `json:"remote_addr,omitempty"`
	ConfigHash  string `json:"config_hash,omitempty"`
	Status      string `json:"status,omitempty"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// AgentDetailResponse is the JSON response for GET /api/agents/{uid}.
type AgentDetailResponse struct {
	InstanceUID string               `json:"instance_uid"`
	Online      bool                 `json:"online"`
	Agent       *agent.AgentInfo     `json:"agent,omitempty"`
	History     []AgentEventResponse `json:"history"`
}

// ConfigResponse is the JSON response for GET /api/config.
type ConfigResponse struct {
	ConfigHash       string   `json:"config_hash"`
	ConfigHashBase64 string   `json:"config_hash_base64"`
	Files            []string `json:"files"`
	LoadedAt         string   `json:"loaded_at"`
}

// registerAPIRoutes registers the read-only inspection API.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/agents", g.handleListAgents)
	mux.HandleFunc("/api/agents/{uid}", g.handleGetAgent)
	mux.HandleFunc("/api/config", g.handleConfig)
	mux.HandleFunc("/api/events", g.handleRecentEvents)
}

// handleListAgents handles GET /api/agents requests.
// It returns a JSON array of all connected agents ordered by instance UID.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	g.writeJSON(w, http.StatusOK, g.agentManager.ListAgents())
}

// handleGetAgent handles GET /api/agents/{uid} requests.
// Returns the live connection state (if online) and recent history, newest first.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	uid, err := agent.ParseInstanceUID(r.PathValue("uid"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid instance uid")
		return
	}

	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	events, err := g.store.ListAgentEvents(r.Context(), uid.String(), limit)
	if err != nil {
		if errors.Is(err, store.ErrClosed) {
			g.sendJSONError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		g.logger.Error("failed to list agent events", "agent_id", uid.String(), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	conn, online := g.agentManager.Lookup(uid)
	if !online && len(events) == 0 {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	resp := AgentDetailResponse{
		InstanceUID: uid.String(),
		Online:      online,
		History:     toEventResponses(events),
	}
	if online {
		resp.Agent = conn.Info()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleConfig handles GET /api/config requests.
func (g *Gateway) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := g.remoteConfig.Current()
	if snap == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "remote config not loaded")
		return
	}

	g.writeJSON(w, http.StatusOK, ConfigResponse{
		ConfigHash:       snap.HashHex(),
		ConfigHashBase64: snap.HashBase64(),
		Files:            snap.FileNames(),
		LoadedAt:         snap.LoadedAt().UTC().Format(time.RFC3339),
	})
}

// handleRecentEvents handles GET /api/events requests across all agents.
func (g *Gateway) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	events, err := g.store.ListRecentEvents(r.Context(), limit)
	if err != nil {
		if errors.Is(err, store.ErrClosed) {
			g.sendJSONError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		g.logger.Error("failed to list recent events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, toEventResponses(events))
}

// parseLimit reads the optional limit query parameter. On failure it writes
// the error response and returns false.
func (g *Gateway) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return store.DefaultEventLimit, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(limit, store.MaxEventLimit), true
}

func toEventResponses(events []*store.AgentEvent) []AgentEventResponse {
	out := make([]AgentEventResponse, len(events))
	for i, e := range events {
		out[i] = AgentEventResponse{
			ID:          e.ID,
			InstanceUID: e.InstanceUID,
			SessionID:   e.SessionID,
			Type:        string(e.Type),
			RemoteAddr:  e.RemoteAddr,
			ConfigHash:  e.ConfigHash,
			Status:      e.Status,
			Detail:      e.Detail,
			CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return out
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing JSON response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
