// Package server runs the nsbus broker behind network transports.
//
// Ownership boundary:
// - TCP (optionally TLS) and WebSocket stream acceptance
// - per-peer reader loop and bounded writer queue
// - admin HTTP: health checks, prometheus metrics, broker state
//
// Routing rules live in internal/broker.
package server
