package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/nsbus/internal/protocol"
	"github.com/danmuck/nsbus/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("client: address required")
	ErrClosed          = errors.New("client: closed")
	ErrAlreadyRunning  = errors.New("client: run already started")
)

type Config struct {
	Address string
	Session session.Config
	// MaxConnectAttempts bounds each connect cycle. Zero retries forever.
	MaxConnectAttempts int
	InboxDepth         int
}

func DefaultConfig() Config {
	return Config{
		Session:    session.DefaultConfig(),
		InboxDepth: 256,
	}
}

// Client is a broker peer. It remembers its provisions and subscriptions so
// they can be restored after a reconnect, and queues events published while
// offline in a bounded outbox.
type Client struct {
	cfg Config
	rng *session.LockedJitter

	mu    sync.Mutex
	conn  *session.Conn
	provs []protocol.Pattern
	subs  []protocol.Pattern

	outbox  *session.Outbox
	inbox   chan protocol.Message
	running atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.InboxDepth <= 0 {
		cfg.InboxDepth = DefaultConfig().InboxDepth
	}
	return &Client{
		cfg:    cfg,
		rng:    session.NewLockedJitter(time.Now().UnixNano()),
		outbox: session.NewOutbox(cfg.Session.OutboxCapacity),
		inbox:  make(chan protocol.Message, cfg.InboxDepth),
		closed: make(chan struct{}),
	}, nil
}

// Dial creates a client for addr and connects it. Inbound messages are
// delivered on Messages once Run is started.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	cfg.Address = addr
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials the broker, retrying with backoff, then restores provisions
// and subscriptions and flushes queued events. It is a no-op when already
// connected.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

func (c *Client) connect(ctx context.Context) (*session.Conn, error) {
	var attempt int
	for {
		if c.isClosed() {
			return nil, ErrClosed
		}
		if conn := c.current(); conn != nil {
			return conn, nil
		}
		attempt++
		conn, err := session.Dial(ctx, c.cfg.Address, c.cfg.Session)
		if err == nil {
			var live *session.Conn
			if live, err = c.restore(conn); err == nil {
				if live == conn {
					log.Info().Str("addr", c.cfg.Address).Int("attempt", attempt).Msg("nsbus.client connected")
				}
				return live, nil
			}
			_ = conn.Close()
		}
		log.Warn().Err(err).Str("addr", c.cfg.Address).Int("attempt", attempt).Msg("nsbus.client connect failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.cfg.MaxConnectAttempts > 0 && attempt >= c.cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, c.cfg.Session.Backoff, attempt, c.rng); err != nil {
			return nil, err
		}
	}
}

// restore replays client state onto a fresh stream and installs it. The
// lock is held throughout so concurrent sends queue behind the replay. When
// a concurrent connect already installed a stream, conn is closed and the
// installed one is returned.
func (c *Client) restore(conn *session.Conn) (*session.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = conn.Close()
		return c.conn, nil
	}
	for _, p := range c.provs {
		if err := conn.WriteMessage(protocol.Provide{Pattern: p}); err != nil {
			return nil, err
		}
	}
	for _, p := range c.subs {
		if err := conn.WriteMessage(protocol.Subscribe{Pattern: p}); err != nil {
			return nil, err
		}
	}
	pending := c.outbox.Drain()
	for i, ev := range pending {
		if err := conn.WriteMessage(ev); err != nil {
			c.outbox.Requeue(pending[i:])
			return nil, err
		}
	}
	if len(pending) > 0 {
		log.Debug().Int("events", len(pending)).Msg("nsbus.client flushed outbox")
	}
	c.conn = conn
	return conn, nil
}

// Run pumps inbound messages to Messages and reconnects whenever the stream
// is lost. It returns nil after Close, ctx.Err() when ctx ends, or the
// connect error once MaxConnectAttempts is exhausted. Messages is closed
// when Run returns. Run may be called once.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.inbox)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
		c.drop(c.current())
	}()

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			return c.stopErr(ctx, err)
		}
		err = c.readLoop(ctx, conn)
		c.drop(conn)
		if ctx.Err() != nil {
			return c.stopErr(ctx, ctx.Err())
		}
		log.Warn().Err(err).Str("addr", c.cfg.Address).Msg("nsbus.client stream lost")
	}
}

func (c *Client) stopErr(ctx context.Context, err error) error {
	if c.isClosed() {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *session.Conn) error {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case c.inbox <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Messages returns inbound messages. It is fed by Run.
func (c *Client) Messages() <-chan protocol.Message {
	return c.inbox
}

func (c *Client) Provide(p protocol.Pattern) error {
	return c.update(protocol.Provide{Pattern: p}, func() {
		if !hasPattern(c.provs, p) {
			c.provs = append(c.provs, p)
		}
	})
}

func (c *Client) Revoke(p protocol.Pattern) error {
	return c.update(protocol.Revoke{Pattern: p}, func() {
		c.provs = withoutContained(c.provs, p)
	})
}

func (c *Client) Subscribe(p protocol.Pattern) error {
	return c.update(protocol.Subscribe{Pattern: p}, func() {
		if !hasPattern(c.subs, p) {
			c.subs = append(c.subs, p)
		}
	})
}

func (c *Client) Unsubscribe(p protocol.Pattern) error {
	return c.update(protocol.Unsubscribe{Pattern: p}, func() {
		c.subs = withoutContained(c.subs, p)
	})
}

// Publish sends an event, or queues it in the outbox while disconnected.
func (c *Client) Publish(p protocol.Pattern, data string) error {
	ev := protocol.Event{Pattern: p, Data: data}
	if err := c.cfg.Session.Limits.Check(ev); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	conn := c.current()
	if conn != nil {
		err := conn.WriteMessage(ev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, protocol.ErrIO) {
			return err
		}
		c.drop(conn)
	}
	c.mu.Lock()
	if conn := c.conn; conn != nil {
		// reconnected since the check above; restore already drained the outbox
		c.mu.Unlock()
		return c.Publish(p, data)
	}
	dropped := c.outbox.Push(ev)
	c.mu.Unlock()
	if dropped {
		log.Warn().Uint64("dropped", c.outbox.Dropped()).Msg("nsbus.client outbox full, dropped oldest event")
	}
	return nil
}

// update records state locally and sends msg when connected. State is
// replayed on reconnect, so a lost stream is not an error here.
func (c *Client) update(msg protocol.Message, apply func()) error {
	if err := c.cfg.Session.Limits.Check(msg); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	apply()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.WriteMessage(msg); err != nil {
		if errors.Is(err, protocol.ErrIO) {
			c.drop(conn)
			return nil
		}
		return err
	}
	return nil
}

// Pending returns the number of events waiting for a connection.
func (c *Client) Pending() int {
	return c.outbox.Len()
}

func (c *Client) Connected() bool {
	return c.current() != nil
}

// Close shuts the stream and stops Run.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.drop(c.current())
	return nil
}

func (c *Client) current() *session.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) drop(conn *session.Conn) {
	if conn == nil {
		return
	}
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func hasPattern(list []protocol.Pattern, p protocol.Pattern) bool {
	for _, have := range list {
		if have == p {
			return true
		}
	}
	return false
}

func withoutContained(list []protocol.Pattern, p protocol.Pattern) []protocol.Pattern {
	out := list[:0]
	for _, have := range list {
		if !p.Contains(have) {
			out = append(out, have)
		}
	}
	return out
}
