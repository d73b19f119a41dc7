// Package protocol owns the nsbus message model.
//
// Ownership boundary:
// - namespace patterns and segment containment
// - the five message variants and their wire tags
// - error kinds shared by the codec and transports
//
// Framing lives in protocol/frame, stream sessions in protocol/session.
package protocol
