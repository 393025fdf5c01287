// Package metrics exposes Prometheus counters and gauges for the gateway.
//
// Each Metrics value owns its registry, so tests and multiple gateways in one
// process do not collide. All recording methods accept a nil receiver.
package metrics
