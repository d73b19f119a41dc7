package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/nsbus/internal/observability"
	"github.com/danmuck/nsbus/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "cmd/nsbusd/config.toml"

func main() {
	configPath := pflag.StringP("config", "c", defaultConfigPath, "path to config.toml")
	listen := pflag.String("listen", "", "override listen_addr")
	admin := pflag.String("admin", "", "override admin_listen_addr (empty keeps config)")
	pflag.Parse()

	observability.InitLogger("nsbusd")

	cfg, err := loadOrDefault(*configPath, pflag.CommandLine.Changed("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "nsbusd: %v\n", err)
		os.Exit(1)
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(*admin); v != "" {
		cfg.AdminListenAddr = v
	}

	log.Info().
		Str("id", cfg.ID).
		Str("listen", cfg.ListenAddr).
		Str("admin", cfg.AdminListenAddr).
		Bool("require_provider", cfg.RequireProvider).
		Str("utf8", cfg.Session.UTF8.String()).
		Msg("nsbusd starting")

	svc := server.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "nsbusd: %v\n", err)
		os.Exit(1)
	}
}
