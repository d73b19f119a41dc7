package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/nsbus/internal/protocol"
	"github.com/danmuck/nsbus/internal/protocol/frame"
)

const maxRetainedScratch = 64 * 1024

// Conn reads and writes whole messages over a byte stream. One goroutine may
// read while others write; writes are serialized.
type Conn struct {
	rw  io.ReadWriter
	cfg Config

	dec     *frame.Codec
	inbuf   bytes.Buffer
	chunk   []byte
	readErr error

	writeMu sync.Mutex
	enc     *frame.Codec
	scratch []byte
}

func NewConn(rw io.ReadWriter, cfg Config) *Conn {
	cfg = cfg.WithDefaults()
	return &Conn{
		rw:    rw,
		cfg:   cfg,
		dec:   frame.NewCodec(cfg.Limits, cfg.UTF8),
		enc:   frame.NewCodec(cfg.Limits, cfg.UTF8),
		chunk: make([]byte, cfg.ReadChunkSize),
	}
}

// Dial opens a TCP (or TLS) stream to addr.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return NewConn(raw, cfg), nil
	}
	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return NewConn(conn, cfg), nil
}

// ReadMessage blocks until one message is decoded. It returns io.EOF when
// the stream closes between frames and io.ErrUnexpectedEOF when it closes
// inside one. Transport failures wrap protocol.ErrIO.
func (c *Conn) ReadMessage() (protocol.Message, error) {
	for {
		msg, err := c.dec.Decode(&c.inbuf)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

func (c *Conn) fill() error {
	if c.readErr == nil {
		if nc, ok := c.rw.(net.Conn); ok && c.cfg.ReadTimeout > 0 {
			_ = nc.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		n, err := c.rw.Read(c.chunk)
		c.inbuf.Write(c.chunk[:n])
		c.readErr = err
		if n > 0 || err == nil {
			return nil
		}
	}
	return c.terminalError()
}

func (c *Conn) terminalError() error {
	if errors.Is(c.readErr, io.EOF) {
		if c.dec.Pending() || c.inbuf.Len() > 0 {
			return io.ErrUnexpectedEOF
		}
		return io.EOF
	}
	return fmt.Errorf("%w: %w", protocol.ErrIO, c.readErr)
}

// WriteMessage encodes msg and writes it as one frame.
func (c *Conn) WriteMessage(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf, err := c.enc.AppendFrame(c.scratch[:0], msg)
	if err != nil {
		return err
	}
	if cap(buf) <= maxRetainedScratch {
		c.scratch = buf
	}
	if nc, ok := c.rw.(net.Conn); ok && c.cfg.WriteTimeout > 0 {
		_ = nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := c.rw.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrIO, err)
	}
	return nil
}

// Close closes the underlying stream when it supports closing.
func (c *Conn) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// RemoteAddr returns the peer address, or "" for non-network streams.
func (c *Conn) RemoteAddr() string {
	if nc, ok := c.rw.(interface{ RemoteAddr() net.Addr }); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return ""
}
