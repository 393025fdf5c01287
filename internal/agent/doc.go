// Package agent tracks the OpAMP agents currently connected to the gateway.
//
// # Manager
//
// The Manager is the connection registry. It maps an InstanceUID to the
// *Connection of the session that last reported it:
//
//	mgr := agent.NewManager(logger)
//
// Key operations:
//
//   - Upsert(uid, conn): insert or replace the entry for uid
//   - RemoveIfCurrent(uid, conn): delete the entry only if it still points at conn
//   - Lookup(uid): get the live connection for uid
//   - ListAgents(): snapshot of every connected agent
//   - CloseAll(code, reason): close every connection during shutdown
//
// # Supersession
//
// An agent that reconnects before its old connection is torn down gets a new
// session and a new Connection. Upsert makes the new connection current; when
// the old session later tears down, RemoveIfCurrent sees a different handle and
// leaves the entry alone:
//
//	mgr.Upsert(uid, oldConn)
//	mgr.Upsert(uid, newConn)
//	mgr.RemoveIfCurrent(uid, oldConn) // false, uid still maps to newConn
//
// # Connection
//
// A Connection wraps the session's transport channel. Send serializes writes
// so a push from another goroutine cannot interleave with a session response.
// Observe records the description and remote config status the agent reports,
// which ListAgents exposes as AgentInfo.
//
// # Identity
//
// InstanceUID holds the raw bytes of the agent's instance_uid as a string, so
// two UIDs are equal when their bytes are equal. 16-byte UIDs print as UUIDs.
//
// # Thread Safety
//
// Both Manager and Connection are thread-safe. They use mutexes to protect
// the agent map and per-connection state.
package agent
