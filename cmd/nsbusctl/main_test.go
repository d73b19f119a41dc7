package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/nsbus/internal/server"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startBroker(t *testing.T) (*server.Service, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := server.NewService()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, ln.Addr().String()
}

func TestPublishReachesSubscriber(t *testing.T) {
	svc, addr := startBroker(t)
	var out lockedBuffer
	subErr := make(chan error, 1)
	go func() {
		subErr <- run([]string{"subscribe", "--addr", addr, "-n", "1", "/t"}, nil, &out)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(svc.Broker().Subscriptions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := run([]string{"publish", "--addr", addr, "--provide", "/t/x", "hello"}, nil, &bytes.Buffer{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case err := <-subErr:
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscriber did not exit after one event")
	}
	got := out.String()
	if !strings.Contains(got, "event\t/t/x\thello") {
		t.Fatalf("unexpected subscriber output: %q", got)
	}
	if !strings.Contains(got, "provide\t/t/x") {
		t.Fatalf("expected provide notice in output: %q", got)
	}
}

func TestProvidePublishesStdinLines(t *testing.T) {
	svc, addr := startBroker(t)
	var out lockedBuffer
	subErr := make(chan error, 1)
	go func() {
		subErr <- run([]string{"subscribe", "--addr", addr, "-n", "2", "/feed"}, nil, &out)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for len(svc.Broker().Subscriptions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stdin := strings.NewReader("one\ntwo\n")
	if err := run([]string{"provide", "--addr", addr, "/feed"}, stdin, &bytes.Buffer{}); err != nil {
		t.Fatalf("provide: %v", err)
	}
	select {
	case err := <-subErr:
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscriber did not receive both lines")
	}
	got := out.String()
	if !strings.Contains(got, "event\t/feed\tone") || !strings.Contains(got, "event\t/feed\ttwo") {
		t.Fatalf("unexpected subscriber output: %q", got)
	}
}

func TestRunUsageErrors(t *testing.T) {
	if err := run(nil, nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected usage error with no args")
	}
	if err := run([]string{"publish", "/only-namespace"}, nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected usage error for missing payload")
	}
	if err := run([]string{"frobnicate", "/x"}, nil, &bytes.Buffer{}); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	if err := run([]string{"publish", "--addr", addr, "/x", "y"}, nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected dial failure")
	}
}
