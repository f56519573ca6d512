package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/talven/internal/app"
	"github.com/hyperifyio/talven/internal/engine"
)

func main() {
	var (
		configPath string
		envFiles   string
		listen     string
		verbose    bool
		logJSON    bool
	)
	flag.StringVar(&configPath, "config", envOr("TALVEN_SETTINGS_PATH", "settings.yml"), "Path to the YAML or JSON settings file")
	flag.StringVar(&envFiles, "env", ".env", "Comma-separated dotenv files loaded before the settings")
	flag.StringVar(&listen, "listen", "", "Listen address, overrides server.listen")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.BoolVar(&logJSON, "log.json", false, "Log JSON lines instead of console output")
	flag.Parse()

	setupLogging(verbose, logJSON)

	if err := app.LoadEnvFiles(strings.Split(envFiles, ",")...); err != nil {
		log.Error().Err(err).Msg("load env files")
		os.Exit(2)
	}
	cfg, err := app.LoadSettings(configPath)
	if err != nil {
		log.Error().Err(err).Msg("load settings")
		os.Exit(2)
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	cfg.Verbose = verbose

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("run failed")
		var se *engine.SettingsError
		if errors.As(err, &se) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func setupLogging(verbose, jsonOut bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	if !jsonOut {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, cfg app.Config) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	return a.Run(ctx)
}
