package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/nsbus/internal/protocol/frame"
	"github.com/danmuck/nsbus/internal/server"
	"github.com/danmuck/nsbus/internal/testutil/testlog"
)

func TestTemplateRoundTripsThroughLoad(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	def := Default()
	if cfg.ID != def.ID || cfg.ListenAddr != def.ListenAddr || cfg.WebSocketPath != def.WebSocketPath {
		t.Fatalf("template differs from defaults: got=%+v want=%+v", cfg, def)
	}
	if cfg.MaxNamespaceBytes != frame.MaxNamespaceBytes || cfg.MaxPayloadBytes != frame.MaxDataBytes {
		t.Fatalf("unexpected limits in template: %+v", cfg)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite existing config")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}
}

func TestTemplateHasHeader(t *testing.T) {
	testlog.Start(t)
	out, err := Template()
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if !strings.HasPrefix(out, "# nsbusd configuration.") || !strings.Contains(out, "listen_addr") {
		t.Fatalf("unexpected template:\n%s", out)
	}
}

func TestValidate(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name   string
		mutate func(*FileConfig)
		ok     bool
	}{
		{"defaults", func(*FileConfig) {}, true},
		{"missing id", func(f *FileConfig) { f.ID = " " }, false},
		{"missing listen", func(f *FileConfig) { f.ListenAddr = "" }, false},
		{"bad path", func(f *FileConfig) { f.WebSocketPath = "ws" }, false},
		{"bad duration", func(f *FileConfig) { f.WriteTimeout = "soon" }, false},
		{"negative duration", func(f *FileConfig) { f.ReadTimeout = "-1s" }, false},
		{"namespace limit too big", func(f *FileConfig) { f.MaxNamespaceBytes = 1 << 16 }, false},
		{"payload limit too big", func(f *FileConfig) { f.MaxPayloadBytes = 1 << 32 }, false},
		{"negative queue", func(f *FileConfig) { f.SendQueueDepth = -1 }, false},
		{"tls without cert", func(f *FileConfig) { f.TLSEnabled = true }, false},
		{"tls with files", func(f *FileConfig) {
			f.TLSEnabled = true
			f.TLSCertFile = "server.crt"
			f.TLSKeyFile = "server.key"
		}, true},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestApplyOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	f := FileConfig{
		ID:              "bus.alpha",
		ListenAddr:      "127.0.0.1:9999",
		ReadTimeout:     "30s",
		StrictUTF8:      true,
		RequireProvider: true,
	}
	defined := map[string]bool{"id": true, "read_timeout": true, "strict_utf8": true}
	cfg := server.DefaultServiceConfig()
	if err := f.Apply(&cfg, func(k string) bool { return defined[k] }); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.ID != "bus.alpha" {
		t.Fatalf("unexpected id %q", cfg.ID)
	}
	if cfg.ListenAddr != server.DefaultServiceConfig().ListenAddr {
		t.Fatalf("undefined listen_addr overwritten: %q", cfg.ListenAddr)
	}
	if cfg.Session.ReadTimeout != 30*time.Second {
		t.Fatalf("unexpected read timeout %v", cfg.Session.ReadTimeout)
	}
	if cfg.Session.UTF8 != frame.UTF8Strict {
		t.Fatalf("expected strict utf8")
	}
	if cfg.RequireProvider {
		t.Fatalf("undefined require_provider applied")
	}
}

func TestServiceConfigFromFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
id = "bus.beta"
listen_addr = "0.0.0.0:7500"
max_payload_bytes = 1024
send_queue_depth = 8
cors_origins = ["https://dash.example"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := f.ServiceConfig()
	if err != nil {
		t.Fatalf("service config: %v", err)
	}
	if cfg.ID != "bus.beta" || cfg.ListenAddr != "0.0.0.0:7500" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.Session.Limits.MaxDataBytes != 1024 || cfg.SendQueueDepth != 8 {
		t.Fatalf("unexpected sizing: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://dash.example" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
	if cfg.Session.WriteTimeout != server.DefaultServiceConfig().Session.WriteTimeout {
		t.Fatalf("write timeout should keep default, got %v", cfg.Session.WriteTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}
