package server

import (
	"errors"
	"io"
	"sync"

	"github.com/danmuck/nsbus/internal/broker"
	"github.com/danmuck/nsbus/internal/observability"
	"github.com/danmuck/nsbus/internal/protocol"
	"github.com/danmuck/nsbus/internal/protocol/frame"
	"github.com/danmuck/nsbus/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrSendQueueFull = errors.New("server: peer send queue full")
	ErrPeerClosed    = errors.New("server: peer closed")
)

// connPeer is one attached stream. The broker hands it messages through
// Send; a writer goroutine drains them onto the stream.
type connPeer struct {
	id        string
	transport string
	conn      *session.Conn

	queue chan protocol.Message
	done  chan struct{}
	once  sync.Once
}

var _ broker.Peer = (*connPeer)(nil)

func newConnPeer(id, transport string, conn *session.Conn, depth int) *connPeer {
	return &connPeer{
		id:        id,
		transport: transport,
		conn:      conn,
		queue:     make(chan protocol.Message, depth),
		done:      make(chan struct{}),
	}
}

func (p *connPeer) ID() string {
	return p.id
}

func (p *connPeer) Send(msg protocol.Message) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (p *connPeer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *connPeer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.queue:
			if err := p.conn.WriteMessage(msg); err != nil {
				log.Warn().
					Err(err).
					Str("peer", p.id).
					Str("tag", msg.Tag().String()).
					Msg("nsbus.session write failed")
				if errors.Is(err, protocol.ErrIO) {
					p.close()
					return
				}
				continue
			}
			observability.RecordFrameEncoded(p.transport, msg.Tag().String())
		}
	}
}

// servePeer attaches conn to the broker and pumps inbound messages until the
// stream ends or fails to decode.
func (s *Service) servePeer(transport string, conn *session.Conn) {
	id := s.nextPeerID(transport)
	peer := newConnPeer(id, transport, conn, s.cfg.SendQueueDepth)
	defer peer.close()
	if err := s.broker.Attach(peer); err != nil {
		log.Error().Err(err).Str("peer", id).Msg("nsbus.session attach failed")
		return
	}
	defer s.broker.Detach(id)

	remote := conn.RemoteAddr()
	observability.PeerConnected(transport)
	active := s.clientCount.Add(1)
	log.Info().
		Str("peer", id).
		Str("transport", transport).
		Str("remote", remote).
		Int64("active_clients", active).
		Msg("nsbus.session client connected")
	defer func() {
		observability.PeerDisconnected(transport)
		remaining := s.clientCount.Add(-1)
		log.Info().
			Str("peer", id).
			Str("remote", remote).
			Int64("active_clients", remaining).
			Msg("nsbus.session client disconnected")
	}()

	go peer.writeLoop()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				kind := decodeErrorKind(err)
				observability.RecordDecodeError(transport, kind)
				log.Warn().Err(err).Str("peer", id).Str("kind", kind).Msg("nsbus.session read ended")
			}
			return
		}
		observability.RecordFrameDecoded(transport, msg.Tag().String())
		if err := s.broker.Handle(id, msg); err != nil {
			log.Warn().
				Err(err).
				Str("peer", id).
				Str("tag", msg.Tag().String()).
				Str("namespace", msg.Namespace().String()).
				Msg("nsbus.session message rejected")
		}
	}
}

func decodeErrorKind(err error) string {
	switch {
	case errors.Is(err, frame.ErrMalformedTag):
		return "malformed_tag"
	case errors.Is(err, frame.ErrInvalidUTF8):
		return "invalid_utf8"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "truncated"
	case errors.Is(err, protocol.ErrIO):
		return "io"
	default:
		return "other"
	}
}
