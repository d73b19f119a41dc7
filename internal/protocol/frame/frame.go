// Package frame implements the nsbus wire framing.
//
// Frame layout, all integers big-endian:
//
//	[u8 tag][u16 ns_length][namespace][u32 data_length][data]
//
// The data_length and data fields are present only for event frames.
package frame

import (
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/nsbus/internal/protocol"
)

const (
	TagSize          = 1
	NamespaceLenSize = 2
	DataLenSize      = 4

	// MaxNamespaceBytes is the largest namespace the u16 length field can carry.
	MaxNamespaceBytes uint64 = math.MaxUint16
	// MaxDataBytes is the largest event payload the u32 length field can carry.
	MaxDataBytes uint64 = math.MaxUint32
)

var (
	ErrMalformedTag = fmt.Errorf("%w: unknown message tag", protocol.ErrMalformedInput)
	ErrInvalidUTF8  = fmt.Errorf("%w: invalid utf-8 text", protocol.ErrMalformedInput)
	ErrNilMessage   = errors.New("frame: nil message")
)

// UTF8Mode selects how decode treats text fields that are not valid UTF-8.
type UTF8Mode uint8

const (
	// UTF8Lossy replaces invalid sequences with U+FFFD.
	UTF8Lossy UTF8Mode = iota
	// UTF8Strict consumes the whole frame and then reports ErrInvalidUTF8.
	UTF8Strict
)

func (m UTF8Mode) String() string {
	if m == UTF8Strict {
		return "strict"
	}
	return "lossy"
}

// Limits constrains encode sizes. Values of zero, or above what the length
// fields can represent, fall back to the field width.
type Limits struct {
	MaxNamespaceBytes uint64
	MaxDataBytes      uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxNamespaceBytes: MaxNamespaceBytes,
		MaxDataBytes:      MaxDataBytes,
	}
}

func (l Limits) normalized() Limits {
	if l.MaxNamespaceBytes == 0 || l.MaxNamespaceBytes > MaxNamespaceBytes {
		l.MaxNamespaceBytes = MaxNamespaceBytes
	}
	if l.MaxDataBytes == 0 || l.MaxDataBytes > MaxDataBytes {
		l.MaxDataBytes = MaxDataBytes
	}
	return l
}

// Size returns the encoded length of msg in bytes.
func Size(msg protocol.Message) int {
	if msg == nil {
		return 0
	}
	n := TagSize + NamespaceLenSize + msg.Namespace().Len()
	if data, ok := protocol.Payload(msg); ok {
		n += DataLenSize + len(data)
	}
	return n
}

// Check reports whether msg fits within l without encoding it.
func (l Limits) Check(msg protocol.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	l = l.normalized()
	if n := msg.Namespace().Len(); uint64(n) > l.MaxNamespaceBytes {
		return fmt.Errorf("%w: %d bytes", protocol.ErrOversizedNamespace, n)
	}
	if data, ok := protocol.Payload(msg); ok && uint64(len(data)) > l.MaxDataBytes {
		return fmt.Errorf("%w: %d bytes", protocol.ErrOversizedData, len(data))
	}
	return nil
}
