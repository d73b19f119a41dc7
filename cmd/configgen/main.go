package main

import (
	"github.com/danmuck/nsbus/internal/config"
	"github.com/danmuck/nsbus/internal/observability"
	"github.com/danmuck/nsbus/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultPath = "cmd/nsbusd/config.toml"

func main() {
	output := pflag.StringP("output", "o", defaultPath, "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.StringP("input", "i", defaultPath, "config path for validation")
	force := pflag.BoolP("force", "f", false, "overwrite existing config file")
	pflag.Parse()

	observability.InitLogger("configgen")

	if *validate {
		cfg, err := validateFile(*input)
		if err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("config invalid")
		}
		log.Info().
			Str("path", *input).
			Str("id", cfg.ID).
			Str("listen", cfg.ListenAddr).
			Str("admin", cfg.AdminListenAddr).
			Bool("tls", cfg.Session.TLS.Enabled).
			Msg("config valid")
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal().Err(err).Str("path", *output).Msg("write config template")
	}
	log.Info().Str("path", *output).Msg("wrote config template")
}

// validateFile loads path and resolves it to the config nsbusd would run.
func validateFile(path string) (server.ServiceConfig, error) {
	fileCfg, err := config.Load(path)
	if err != nil {
		return server.ServiceConfig{}, err
	}
	cfg, err := fileCfg.ServiceConfig()
	if err != nil {
		return server.ServiceConfig{}, err
	}
	return cfg.WithDefaults(), nil
}
