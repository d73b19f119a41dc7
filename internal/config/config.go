package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/nsbus/internal/protocol/frame"
	"github.com/danmuck/nsbus/internal/server"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// FileConfig is the config.toml shape for nsbusd.
type FileConfig struct {
	ID                string   `toml:"id"`
	ListenAddr        string   `toml:"listen_addr"`
	AdminListenAddr   string   `toml:"admin_listen_addr"`
	WebSocketPath     string   `toml:"websocket_path"`
	ReadTimeout       string   `toml:"read_timeout"`
	WriteTimeout      string   `toml:"write_timeout"`
	MaxNamespaceBytes uint64   `toml:"max_namespace_bytes"`
	MaxPayloadBytes   uint64   `toml:"max_payload_bytes"`
	StrictUTF8        bool     `toml:"strict_utf8"`
	SendQueueDepth    int      `toml:"send_queue_depth"`
	RequireProvider   bool     `toml:"require_provider"`
	CORSOrigins       []string `toml:"cors_origins"`
	TLSEnabled        bool     `toml:"tls_enabled"`
	TLSCertFile       string   `toml:"tls_cert_file"`
	TLSKeyFile        string   `toml:"tls_key_file"`
}

// Default mirrors server.DefaultServiceConfig in file form.
func Default() FileConfig {
	return FromService(server.DefaultServiceConfig())
}

func FromService(cfg server.ServiceConfig) FileConfig {
	return FileConfig{
		ID:                cfg.ID,
		ListenAddr:        cfg.ListenAddr,
		AdminListenAddr:   cfg.AdminListenAddr,
		WebSocketPath:     cfg.WebSocketPath,
		ReadTimeout:       cfg.Session.ReadTimeout.String(),
		WriteTimeout:      cfg.Session.WriteTimeout.String(),
		MaxNamespaceBytes: cfg.Session.Limits.MaxNamespaceBytes,
		MaxPayloadBytes:   cfg.Session.Limits.MaxDataBytes,
		StrictUTF8:        cfg.Session.UTF8 == frame.UTF8Strict,
		SendQueueDepth:    cfg.SendQueueDepth,
		RequireProvider:   cfg.RequireProvider,
		CORSOrigins:       append([]string(nil), cfg.CORSOrigins...),
		TLSEnabled:        cfg.Session.TLS.Enabled,
		TLSCertFile:       cfg.Session.TLS.CertFile,
		TLSKeyFile:        cfg.Session.TLS.KeyFile,
	}
}

// Load reads and validates path. Keys missing from the file keep their
// Default value.
func Load(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

func (f FileConfig) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(f.ListenAddr) == "" {
		return fmt.Errorf("%w: listen_addr is required", ErrInvalidConfig)
	}
	if p := strings.TrimSpace(f.WebSocketPath); p != "" && !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: websocket_path must start with /", ErrInvalidConfig)
	}
	if _, err := parseDuration("read_timeout", f.ReadTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("write_timeout", f.WriteTimeout); err != nil {
		return err
	}
	if f.MaxNamespaceBytes > frame.MaxNamespaceBytes {
		return fmt.Errorf("%w: max_namespace_bytes above %d", ErrInvalidConfig, frame.MaxNamespaceBytes)
	}
	if f.MaxPayloadBytes > frame.MaxDataBytes {
		return fmt.Errorf("%w: max_payload_bytes above %d", ErrInvalidConfig, frame.MaxDataBytes)
	}
	if f.SendQueueDepth < 0 {
		return fmt.Errorf("%w: send_queue_depth must not be negative", ErrInvalidConfig)
	}
	if f.TLSEnabled {
		if strings.TrimSpace(f.TLSCertFile) == "" {
			return fmt.Errorf("%w: tls_cert_file required when tls_enabled", ErrInvalidConfig)
		}
		if strings.TrimSpace(f.TLSKeyFile) == "" {
			return fmt.Errorf("%w: tls_key_file required when tls_enabled", ErrInvalidConfig)
		}
	}
	return nil
}

// Apply overlays the keys for which defined reports true onto cfg.
func (f FileConfig) Apply(cfg *server.ServiceConfig, defined func(key string) bool) error {
	if defined("id") {
		cfg.ID = strings.TrimSpace(f.ID)
	}
	if defined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(f.ListenAddr)
	}
	if defined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(f.AdminListenAddr)
	}
	if defined("websocket_path") {
		cfg.WebSocketPath = strings.TrimSpace(f.WebSocketPath)
	}
	if defined("read_timeout") {
		d, err := parseDuration("read_timeout", f.ReadTimeout)
		if err != nil {
			return err
		}
		cfg.Session.ReadTimeout = d
	}
	if defined("write_timeout") {
		d, err := parseDuration("write_timeout", f.WriteTimeout)
		if err != nil {
			return err
		}
		cfg.Session.WriteTimeout = d
	}
	if defined("max_namespace_bytes") {
		cfg.Session.Limits.MaxNamespaceBytes = f.MaxNamespaceBytes
	}
	if defined("max_payload_bytes") {
		cfg.Session.Limits.MaxDataBytes = f.MaxPayloadBytes
	}
	if defined("strict_utf8") {
		cfg.Session.UTF8 = frame.UTF8Lossy
		if f.StrictUTF8 {
			cfg.Session.UTF8 = frame.UTF8Strict
		}
	}
	if defined("send_queue_depth") {
		cfg.SendQueueDepth = f.SendQueueDepth
	}
	if defined("require_provider") {
		cfg.RequireProvider = f.RequireProvider
	}
	if defined("cors_origins") {
		cfg.CORSOrigins = append([]string(nil), f.CORSOrigins...)
	}
	if defined("tls_enabled") {
		cfg.Session.TLS.Enabled = f.TLSEnabled
	}
	if defined("tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(f.TLSCertFile)
	}
	if defined("tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(f.TLSKeyFile)
	}
	return nil
}

// ServiceConfig returns the defaults with every key of f applied.
func (f FileConfig) ServiceConfig() (server.ServiceConfig, error) {
	cfg := server.DefaultServiceConfig()
	if err := f.Apply(&cfg, func(string) bool { return true }); err != nil {
		return server.ServiceConfig{}, err
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
	}
	return d, nil
}
