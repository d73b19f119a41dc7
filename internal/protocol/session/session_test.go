package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/danmuck/nsbus/internal/protocol"
	"github.com/danmuck/nsbus/internal/protocol/frame"
	"github.com/danmuck/nsbus/internal/testutil/testlog"
	"github.com/danmuck/nsbus/internal/testutil/tlstest"
)

type splitStream struct {
	io.Reader
	io.Writer
}

func encodeAll(t *testing.T, msgs ...protocol.Message) []byte {
	t.Helper()
	var c frame.Codec
	var buf bytes.Buffer
	for _, msg := range msgs {
		if err := c.Encode(&buf, msg); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	return buf.Bytes()
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
	if got := NextBackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("zero config got=%v", got)
	}
}

func TestSleepBackoffHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := BackoffConfig{InitialDelay: time.Hour}
	if err := SleepBackoff(ctx, cfg, 1, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOutboxDropsOldestWhenFull(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(2)
	o.Push(protocol.Event{Pattern: "/a", Data: "1"})
	o.Push(protocol.Event{Pattern: "/a", Data: "2"})
	if dropped := o.Push(protocol.Event{Pattern: "/a", Data: "3"}); !dropped {
		t.Fatalf("expected drop on full outbox")
	}
	got := o.Drain()
	if len(got) != 2 || got[0].Data != "2" || got[1].Data != "3" {
		t.Fatalf("unexpected drain: %+v", got)
	}
	if o.Len() != 0 || o.Dropped() != 1 {
		t.Fatalf("unexpected state len=%d dropped=%d", o.Len(), o.Dropped())
	}
}

func TestOutboxRequeueKeepsOrder(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(3)
	o.Push(protocol.Event{Pattern: "/a", Data: "1"})
	o.Push(protocol.Event{Pattern: "/a", Data: "2"})
	drained := o.Drain()
	o.Push(protocol.Event{Pattern: "/a", Data: "3"})
	o.Push(protocol.Event{Pattern: "/a", Data: "4"})
	o.Requeue(drained)
	got := o.Drain()
	if len(got) != 3 || got[0].Data != "2" || got[1].Data != "3" || got[2].Data != "4" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if o.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", o.Dropped())
	}
}

func TestConnReadsOneByteChunks(t *testing.T) {
	testlog.Start(t)
	msgs := []protocol.Message{
		protocol.Subscribe{Pattern: "/a"},
		protocol.Event{Pattern: "/a/b", Data: "payload"},
		protocol.Unsubscribe{Pattern: "/a"},
	}
	stream := splitStream{
		Reader: iotest.OneByteReader(bytes.NewReader(encodeAll(t, msgs...))),
		Writer: io.Discard,
	}
	conn := NewConn(stream, DefaultConfig())
	for i, want := range msgs {
		got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("message %d: got=%#v want=%#v", i, got, want)
		}
	}
	if _, err := conn.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestConnDataWithEOFStillDecodes(t *testing.T) {
	testlog.Start(t)
	want := protocol.Message(protocol.Provide{Pattern: "/p"})
	stream := splitStream{
		Reader: iotest.DataErrReader(bytes.NewReader(encodeAll(t, want))),
		Writer: io.Discard,
	}
	conn := NewConn(stream, DefaultConfig())
	got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Fatalf("got=%#v want=%#v", got, want)
	}
	if _, err := conn.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestConnTruncatedFrame(t *testing.T) {
	testlog.Start(t)
	b := encodeAll(t, protocol.Event{Pattern: "/a", Data: "abcdef"})
	stream := splitStream{Reader: bytes.NewReader(b[:len(b)-2]), Writer: io.Discard}
	conn := NewConn(stream, DefaultConfig())
	if _, err := conn.ReadMessage(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestConnMalformedTag(t *testing.T) {
	testlog.Start(t)
	stream := splitStream{Reader: bytes.NewReader([]byte{0x09, 0x00}), Writer: io.Discard}
	conn := NewConn(stream, DefaultConfig())
	if _, err := conn.ReadMessage(); !errors.Is(err, frame.ErrMalformedTag) {
		t.Fatalf("expected ErrMalformedTag, got %v", err)
	}
}

func TestConnReadFailureIsIO(t *testing.T) {
	testlog.Start(t)
	stream := splitStream{Reader: iotest.ErrReader(errors.New("reset")), Writer: io.Discard}
	conn := NewConn(stream, DefaultConfig())
	if _, err := conn.ReadMessage(); !errors.Is(err, protocol.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestConnWriteOversizedLeavesStreamClean(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	cfg := DefaultConfig()
	cfg.Limits = frame.Limits{MaxDataBytes: 4}
	conn := NewConn(splitStream{Reader: bytes.NewReader(nil), Writer: &out}, cfg)
	if err := conn.WriteMessage(protocol.Event{Pattern: "/a", Data: "too long"}); !errors.Is(err, protocol.ErrOversizedData) {
		t.Fatalf("expected ErrOversizedData, got %v", err)
	}
	if err := conn.WriteMessage(protocol.Event{Pattern: "/a", Data: "ok"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(out.Bytes(), encodeAll(t, protocol.Event{Pattern: "/a", Data: "ok"})) {
		t.Fatalf("unexpected stream bytes: %x", out.Bytes())
	}
}

func TestConnRoundTripOverPipe(t *testing.T) {
	testlog.Start(t)
	left, right := net.Pipe()
	a := NewConn(left, DefaultConfig())
	b := NewConn(right, DefaultConfig())
	defer a.Close()
	defer b.Close()

	msgs := []protocol.Message{
		protocol.Provide{Pattern: "/sensors"},
		protocol.Event{Pattern: "/sensors/temp", Data: "21.5"},
		protocol.Revoke{Pattern: "/sensors"},
	}
	errs := make(chan error, 1)
	go func() {
		for _, msg := range msgs {
			if err := a.WriteMessage(msg); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()
	for i, want := range msgs {
		got, err := b.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("read %d: got=%#v want=%#v", i, got, want)
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestTransportValidation(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.TLS.CertFile = "server.crt"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("insecure client config: %v", err)
	}
}

func TestDialTLS(t *testing.T) {
	testlog.Start(t)
	files := tlstest.NewBrokerFiles(t)

	serverCfg := DefaultConfig()
	serverCfg.TLS = TLSConfig{Enabled: true, CertFile: files.CertFile, KeyFile: files.KeyFile}
	tlsCfg, err := serverCfg.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	want := protocol.Message(protocol.Event{Pattern: "/secure", Data: "hello"})
	got := make(chan protocol.Message, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			close(got)
			return
		}
		conn := NewConn(raw, serverCfg)
		defer conn.Close()
		msg, err := conn.ReadMessage()
		if err != nil {
			close(got)
			return
		}
		got <- msg
	}()

	clientCfg := DefaultConfig()
	clientCfg.TLS = TLSConfig{Enabled: true, CAFile: files.CAFile}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg, ok := <-got:
		if !ok {
			t.Fatalf("server failed to read message")
		}
		if msg != want {
			t.Fatalf("got=%#v want=%#v", msg, want)
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for server")
	}
}

func TestLockedJitterConcurrentUse(t *testing.T) {
	testlog.Start(t)
	j := NewLockedJitter(1)
	cfg := BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: true}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 1; attempt < 200; attempt++ {
				f := j.Float64()
				if f < 0 || f >= 1 {
					t.Errorf("jitter out of range: %v", f)
					return
				}
				if d := NextBackoffDelay(cfg, attempt%10+2, j); d <= 0 || d > 1500*time.Millisecond {
					t.Errorf("delay out of range: %v", d)
					return
				}
			}
		}()
	}
	wg.Wait()
}
