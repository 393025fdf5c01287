// Package config handles configuration loading for opamp-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Files ending in .toml are parsed as TOML; everything else is
// parsed as YAML. The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path passed with --config
//  2. Path from OPAMP_CONFIG environment variable
//  3. ~/.config/opamp-gateway/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	opamp:
//	  shutdown_timeout: "5s"
//	  status_dedupe_ttl: "10m"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:4320"   # Agent WebSocket and HTTP API
//	  opamp_path: "/v1/opamp"     # WebSocket upgrade path
//
// Database (agent event history):
//
//	database:
//	  path: "/var/lib/opamp-gateway/events.db"
//
// Protocol:
//
//	opamp:
//	  read_limit: 4194304         # Max inbound message size in bytes
//	  chunk_size: 4096            # Read buffer per chunk
//	  disable_ws_header: false    # Omit the 0x00 header on responses
//	  event_buffer: 256
//	  keepalive_interval: "2m"    # WebSocket ping interval, negative disables
//
// Remote configuration offered to agents:
//
//	remote_config:
//	  files:
//	    - name: "otel-collector-config.yaml"
//	      path: "./collector.yaml"   # Relative to the config file
//	      content_type: "text/yaml"
//
// When no files are listed a built-in collector config is offered.
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "opamp-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// Logging and metrics:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.Load("/etc/opamp-gateway/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
