package server

import (
	"strings"

	"github.com/danmuck/nsbus/internal/protocol/session"
)

// ServiceConfig configures the broker listener and the admin surface.
type ServiceConfig struct {
	ID              string
	ListenAddr      string
	AdminListenAddr string
	WebSocketPath   string
	// SendQueueDepth bounds the per-peer outbound queue. A peer whose queue
	// is full misses the message instead of stalling the sender.
	SendQueueDepth  int
	RequireProvider bool
	CORSOrigins     []string
	Session         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ID:              "nsbus.local",
		ListenAddr:      ":7400",
		AdminListenAddr: "127.0.0.1:7401",
		WebSocketPath:   "/ws",
		SendQueueDepth:  256,
		RequireProvider: false,
		CORSOrigins:     nil,
		Session:         session.DefaultConfig(),
	}
}

// WithDefaults fills empty fields from DefaultServiceConfig.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = def.ID
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(c.WebSocketPath) == "" {
		c.WebSocketPath = def.WebSocketPath
	}
	if !strings.HasPrefix(c.WebSocketPath, "/") {
		c.WebSocketPath = "/" + c.WebSocketPath
	}
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = def.SendQueueDepth
	}
	c.Session = c.Session.WithDefaults()
	return c
}
