// Package session carries nsbus frames over byte streams.
//
// Ownership boundary:
// - blocking read/write of whole messages over an io.ReadWriter
// - timeouts, TLS and reconnect backoff policy
// - the outbox that holds events while a client is offline
package session
