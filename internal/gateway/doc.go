// Package gateway orchestrates the opamp-gateway server components.
//
// # Overview
//
// The gateway owns the agent registry, the remote config store, the event
// store and its background recorder, the status filter, and metrics. One
// HTTP server carries both the OpAMP WebSocket endpoint and the inspection
// API. When Tailscale is enabled the server listens on the tailnet via tsnet
// instead of a TCP address.
//
// # Endpoints
//
//	GET /                  Banner
//	GET /v1/opamp          OpAMP WebSocket (path from server.opamp_path)
//	GET /health            Liveness, always "OK"
//	GET /health/ready      200 once the remote config is loaded
//	GET /api/agents        Connected agents
//	GET /api/agents/{uid}  One agent with its recent history (?limit=N)
//	GET /api/config        Hash and file names of the served config
//	GET /api/events        Recent events across all agents (?limit=N)
//	GET /metrics           Prometheus exposition when metrics.enabled
//
// Plain HTTP requests to the OpAMP path get 400 "Requires WebSocket connection.".
//
// # Sessions
//
// Each accepted WebSocket runs a session.Session on the handler goroutine.
// The session context is cancelled when either the request or the gateway
// ends, because hijacked connections are invisible to http.Server.Shutdown.
// A ping is sent every opamp.keepalive_interval; an unanswered ping closes
// the connection.
//
// # Shutdown
//
// Shutdown stops the HTTP server, sends every registered agent a going-away
// close, cancels remaining sessions, and waits for their teardown up to the
// context deadline. Queued events are then flushed and the store is closed.
//
// # Usage
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
package gateway
