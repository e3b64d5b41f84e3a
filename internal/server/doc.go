// Package server implements the gateway's HTTP surface: the WebSocket relay
// endpoint with bearer authentication at handshake time, the login endpoint,
// and the monitoring/metrics endpoints.
package server
