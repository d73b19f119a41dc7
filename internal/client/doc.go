// Package client is the peer side of the nsbus stream protocol.
//
// A Client keeps its provisions and subscriptions across reconnects and
// buffers events published while offline in a bounded outbox.
package client
