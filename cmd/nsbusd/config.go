package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/nsbus/internal/config"
	"github.com/danmuck/nsbus/internal/server"
)

// nsbusd loader for TOML config with default overlay. Only keys present in
// the file replace defaults.
func loadServiceConfig(path string) (server.ServiceConfig, error) {
	cfg := server.DefaultServiceConfig()

	var raw config.FileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load nsbusd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return server.ServiceConfig{}, fmt.Errorf("load nsbusd config: unknown key %q", undecoded[0].String())
	}
	if err := raw.Apply(&cfg, func(key string) bool { return meta.IsDefined(key) }); err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load nsbusd config: %w", err)
	}
	if err := config.FromService(cfg).Validate(); err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load nsbusd config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// loadOrDefault tolerates a missing file at the default path.
func loadOrDefault(path string, explicit bool) (server.ServiceConfig, error) {
	cfg, err := loadServiceConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return server.DefaultServiceConfig().WithDefaults(), nil
	}
	return server.ServiceConfig{}, err
}
