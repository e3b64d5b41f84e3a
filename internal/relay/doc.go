// Package relay manages the gateway's outbound WebSocket connections to the
// speech recognition backend. Each client session owns at most one backend
// connection, tracked by a process-wide registry keyed by session id.
package relay
