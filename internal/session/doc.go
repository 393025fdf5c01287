// Package session runs the OpAMP message loop for one agent connection.
//
// # Lifecycle
//
// A Session moves through four states:
//
//	Accepted -> Active -> Draining -> Closed
//
// Run enters Active and reads complete messages from the channel in arrival
// order. Each message is decoded, the agent's instance UID is bound to the
// session's connection in the registry, and a ServerToAgent response is built
// by opamp.DecideWithReason and written before the next message is read.
//
// Recoverable per-message problems keep the session Active:
//
//   - undecodable payloads (opamp.ErrMalformed) are logged and skipped
//   - messages without an instance UID (ErrMissingIdentity) get no response
//
// A peer close, a transport error, a failed send, or context cancellation
// moves the session to Draining. Teardown then removes the registry entry
// only if this session still owns it, closes the channel, and marks the
// session Closed. Teardown runs exactly once.
//
// # History and Metrics
//
// Connects, disconnects, config pushes and status reports are handed to an
// optional EventSink (normally a store.Recorder). A dedupe.Cache keeps
// identical status reports from being recorded twice within one session; its
// keys carry the session ID, so sessions for the same agent never clear each
// other's state. When an agent switches instance UID mid-session, the old UID
// is released the same way teardown releases it: dedupe state dropped, and a
// disconnect recorded if this session still owned the registry entry.
// Every message in and out is logged at debug with its sequence number.
// Metrics are optional and nil-safe.
package session
