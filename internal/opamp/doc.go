// Package opamp holds the stateless parts of the OpAMP session engine.
//
// # Codec
//
// Decode turns a complete WebSocket message into a protobufs.AgentToServer.
// Payloads that fail to parse produce a *DecodeError, which matches
// ErrMalformed via errors.Is. Encode serializes a protobufs.ServerToAgent in
// one buffer. The OpAMP WebSocket header (a single zero varint) is written by
// DefaultCodec and accepted but not required on input.
//
// # Reconciliation
//
// Decide compares the hash the agent reports in RemoteConfigStatus with the
// hash of the desired config:
//
//  1. missing or empty hash: send the config
//  2. different hash: send the config
//  3. same hash: omit the config
//
// The response always echoes the agent's instance UID and advertises
// AcceptsStatus and OffersRemoteConfig.
package opamp
