package frame

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/danmuck/nsbus/internal/protocol"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Source is the inbound byte buffer the decoder consumes from.
// *bytes.Buffer satisfies it.
type Source interface {
	Len() int
	Next(n int) []byte
}

type decodeState uint8

const (
	awaitingTag decodeState = iota
	awaitingNamespaceLen
	awaitingNamespace
	awaitingDataLen
	awaitingData
)

func (s decodeState) String() string {
	switch s {
	case awaitingTag:
		return "awaiting_tag"
	case awaitingNamespaceLen:
		return "awaiting_namespace_len"
	case awaitingNamespace:
		return "awaiting_namespace"
	case awaitingDataLen:
		return "awaiting_data_len"
	case awaitingData:
		return "awaiting_data"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Codec encodes messages into frames and incrementally decodes frames from a
// byte stream. The zero value uses DefaultLimits and lossy UTF-8 repair.
//
// A Codec holds decode state for one in-flight frame and must be used by one
// stream at a time.
type Codec struct {
	limits Limits
	mode   UTF8Mode
	repair *encoding.Decoder

	state     decodeState
	tag       protocol.Tag
	nsLen     uint16
	namespace string
	dataLen   uint32
	invalid   bool
}

// NewCodec returns a codec with explicit encode limits and UTF-8 handling.
func NewCodec(limits Limits, mode UTF8Mode) *Codec {
	return &Codec{limits: limits.normalized(), mode: mode}
}

// Pending reports whether part of a frame has been consumed but the frame is
// not yet complete.
func (c *Codec) Pending() bool {
	return c.state != awaitingTag
}

// Encode writes msg to dst as a single frame. Sizes are checked before any
// byte is written, so dst is untouched when an error is returned for an
// oversized namespace or payload.
func (c *Codec) Encode(dst io.Writer, msg protocol.Message) error {
	buf, err := c.AppendFrame(make([]byte, 0, Size(msg)), msg)
	if err != nil {
		return err
	}
	if _, err := dst.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrIO, err)
	}
	return nil
}

// AppendFrame appends the frame for msg to dst. On error dst is returned
// unchanged.
func (c *Codec) AppendFrame(dst []byte, msg protocol.Message) ([]byte, error) {
	if err := c.limits.Check(msg); err != nil {
		return dst, err
	}
	ns := msg.Namespace()
	data, isEvent := protocol.Payload(msg)

	dst = append(dst, byte(msg.Tag()))
	dst = binary.BigEndian.AppendUint16(dst, uint16(ns.Len()))
	dst = append(dst, ns...)
	if isEvent {
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(data)))
		dst = append(dst, data...)
	}
	return dst, nil
}

// Decode reads at most one frame from src.
//
// It returns (msg, nil) once a frame is complete, and (nil, nil) when src
// does not yet hold enough bytes; fields read so far are kept and the call
// can be repeated once more bytes arrive. An unknown tag returns
// ErrMalformedTag and the stream should be considered desynchronized.
func (c *Codec) Decode(src Source) (protocol.Message, error) {
	for {
		switch c.state {
		case awaitingTag:
			if src.Len() < TagSize {
				return nil, nil
			}
			b := src.Next(TagSize)[0]
			if !protocol.IsValidTag(b) {
				return nil, fmt.Errorf("%w: %d", ErrMalformedTag, b)
			}
			c.tag = protocol.Tag(b)
			c.state = awaitingNamespaceLen

		case awaitingNamespaceLen:
			if src.Len() < NamespaceLenSize {
				return nil, nil
			}
			c.nsLen = binary.BigEndian.Uint16(src.Next(NamespaceLenSize))
			c.state = awaitingNamespace

		case awaitingNamespace:
			if src.Len() < int(c.nsLen) {
				return nil, nil
			}
			c.namespace = c.text(src.Next(int(c.nsLen)))
			if c.tag != protocol.TagEvent {
				return c.complete(nil)
			}
			c.state = awaitingDataLen

		case awaitingDataLen:
			if src.Len() < DataLenSize {
				return nil, nil
			}
			c.dataLen = binary.BigEndian.Uint32(src.Next(DataLenSize))
			c.state = awaitingData

		case awaitingData:
			if uint64(src.Len()) < uint64(c.dataLen) {
				return nil, nil
			}
			data := c.text(src.Next(int(c.dataLen)))
			return c.complete(&data)
		}
	}
}

func (c *Codec) complete(data *string) (protocol.Message, error) {
	tag, ns, invalid := c.tag, protocol.NewPattern(c.namespace), c.invalid
	c.reset()
	if invalid && c.mode == UTF8Strict {
		return nil, fmt.Errorf("%w: %s frame", ErrInvalidUTF8, tag)
	}
	return protocol.FromTag(tag, ns, data), nil
}

func (c *Codec) reset() {
	c.state = awaitingTag
	c.tag = 0
	c.nsLen = 0
	c.namespace = ""
	c.dataLen = 0
	c.invalid = false
}

// text converts a raw text field, replacing invalid UTF-8 with U+FFFD.
func (c *Codec) text(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	c.invalid = true
	if c.repair == nil {
		c.repair = unicode.UTF8.NewDecoder()
	}
	out, err := c.repair.Bytes(raw)
	if err != nil {
		return string([]rune(string(raw)))
	}
	return string(out)
}
