package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/nsbus/internal/broker"
	"github.com/danmuck/nsbus/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Service owns the broker and every transport that feeds it.
type Service struct {
	cfg    ServiceConfig
	broker *broker.Broker

	connsMu sync.Mutex
	conns   map[io.Closer]struct{}

	peerSeq     atomic.Uint64
	clientCount atomic.Int64
	ready       atomic.Bool
	appeared    time.Time
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	cfg = cfg.WithDefaults()
	return &Service{
		cfg:      cfg,
		broker:   broker.New(broker.Config{RequireProvider: cfg.RequireProvider}),
		conns:    make(map[io.Closer]struct{}),
		appeared: time.Now(),
	}
}

func (s *Service) Broker() *broker.Broker {
	return s.broker
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Run listens on the configured addresses and blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext is Run with caller-controlled shutdown.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().
		Str("id", s.cfg.ID).
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.Session.TLS.Enabled).
		Msg("nsbus.Service.Run listening")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		go func() {
			adminErr <- s.serveAdmin(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			cancel()
			<-serveErr
			return fmt.Errorf("admin: %w", err)
		}
		return <-serveErr
	}
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts stream peers on ln until ctx is done. Closing ctx closes ln
// and every tracked connection.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	s.ready.Store(true)
	defer s.ready.Store(false)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		if ctx.Err() != nil {
			// shutdown may have swept tracked conns before this one was added
			s.untrackConn(conn)
			_ = conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *Service) Ready() bool {
	return s.ready.Load()
}

func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	s.servePeer("tcp", session.NewConn(conn, s.cfg.Session))
}

func (s *Service) nextPeerID(transport string) string {
	return fmt.Sprintf("%s-%d", transport, s.peerSeq.Add(1))
}

func (s *Service) trackConn(c io.Closer) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Service) untrackConn(c io.Closer) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]io.Closer, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
