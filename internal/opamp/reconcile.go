// ABOUTME: Decides whether an agent needs the current remote config
// ABOUTME: Builds the capability-advertising ServerToAgent response

package opamp

import (
	"bytes"

	"github.com/open-telemetry/opamp-go/protobufs"
)

// ServerCapabilities is advertised on every response.
const ServerCapabilities = uint64(protobufs.ServerCapabilities_ServerCapabilities_AcceptsStatus |
	protobufs.ServerCapabilities_ServerCapabilities_OffersRemoteConfig)

// Reason explains the outcome of comparing an agent's config hash with the
// desired config.
type Reason int

const (
	// ReasonNoHash means the agent reported no config hash.
	ReasonNoHash Reason = iota
	// ReasonHashMismatch means the agent runs a different config.
	ReasonHashMismatch
	// ReasonUpToDate means the agent already runs the desired config.
	ReasonUpToDate
	// ReasonNoConfig means there is no desired config to offer.
	ReasonNoConfig
)

func (r Reason) String() string {
	switch r {
	case ReasonNoHash:
		return "no_hash"
	case ReasonHashMismatch:
		return "hash_mismatch"
	case ReasonUpToDate:
		return "up_to_date"
	case ReasonNoConfig:
		return "no_config"
	default:
		return "unknown"
	}
}

// NeedsUpdate reports whether the config must be sent.
func (r Reason) NeedsUpdate() bool {
	return r == ReasonNoHash || r == ReasonHashMismatch
}

// Evaluate compares the hash reported in req with desired.
func Evaluate(req *protobufs.AgentToServer, desired *protobufs.AgentRemoteConfig) Reason {
	if desired == nil || desired.GetConfig() == nil {
		return ReasonNoConfig
	}

	reported := req.GetRemoteConfigStatus().GetLastRemoteConfigHash()
	switch {
	case len(reported) == 0:
		return ReasonNoHash
	case !bytes.Equal(reported, desired.GetConfigHash()):
		return ReasonHashMismatch
	default:
		return ReasonUpToDate
	}
}

// Decide builds the response to req. The instance UID is echoed, capabilities
// are always set, and desired is attached only when the agent needs it.
// Decide has no side effects.
func Decide(req *protobufs.AgentToServer, desired *protobufs.AgentRemoteConfig) *protobufs.ServerToAgent {
	resp, _ := DecideWithReason(req, desired)
	return resp
}

// DecideWithReason is Decide that also returns the reason for the outcome.
func DecideWithReason(req *protobufs.AgentToServer, desired *protobufs.AgentRemoteConfig) (*protobufs.ServerToAgent, Reason) {
	reason := Evaluate(req, desired)

	resp := &protobufs.ServerToAgent{
		InstanceUid:  req.GetInstanceUid(),
		Capabilities: ServerCapabilities,
	}
	if reason.NeedsUpdate() {
		resp.RemoteConfig = desired
	}
	return resp, reason
}
