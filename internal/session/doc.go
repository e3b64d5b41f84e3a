// Package session implements the per-connection relay state machine: admission
// with per-user concurrency limits, the audio/control frame loop, rate limiting,
// idle and max-duration enforcement, and teardown of both relay sides.
package session
