// Package session implements the per-shard gateway state machine.
//
// A Session owns at most one socket at a time and drives it through
//
//	Idle -> Connecting -> AwaitingHello -> Identifying|Resuming -> Ready
//
// falling back to Reconnecting whenever the socket dies, the server asks
// for a reconnect, the handshake times out, or a heartbeat goes
// unacknowledged. Close codes decide whether the next connection resumes
// the previous session or the session stops with a FatalError.
//
// All protocol handling for one connection happens on a single goroutine,
// so dispatch events reach the sink in the order they arrived on the
// socket.
package session
