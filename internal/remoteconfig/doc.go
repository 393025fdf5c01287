// Package remoteconfig holds the configuration offered to OpAMP agents.
//
// A Snapshot is an immutable AgentRemoteConfig: a map of named files plus the
// SHA-256 hash of its deterministic protobuf encoding. Agents report that hash
// back in RemoteConfigStatus, and the session compares it to decide whether
// to resend the config.
//
// The Store is built once at startup from the remote_config section of the
// gateway config. Relative file paths resolve against the config file's
// directory. With no files configured, a built-in OpenTelemetry Collector
// config named otel-collector-config.yaml is offered.
package remoteconfig
