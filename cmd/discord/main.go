// cmd/discord/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/keshon/lurker/internal/config"
	"github.com/keshon/lurker/internal/discord"
	"github.com/keshon/lurker/internal/logging"
)

const appName = "lurker"

func main() {
	envFile := pflag.String("env-file", ".env", "path to an env file loaded before reading the environment")
	logLevel := pflag.String("log-level", "", "override LOG_LEVEL (trace, debug, info, warn, error)")
	pflag.Parse()

	boot := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*envFile)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, closer, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer closer.Close()

	logger = logger.With().Str("session", uuid.NewString()).Logger()
	logging.Install(logger)

	logger.Info().
		Str("resource", cfg.ResourcePath).
		Str("player_mode", cfg.PlayerMode).
		Int("min_delay_ms", cfg.MinDelayMs).
		Int("max_delay_ms", cfg.MaxDelayMs).
		Msgf("Starting %s bot...", appName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bot, err := discord.NewBot(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create bot")
		closer.Close()
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := bot.Run(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("Shutting down...")
		cancel()
		// Run returns once voice connections are released.
		if err := <-errCh; err != nil {
			logger.Error().Err(err).Msg("Discord bot error")
		}
	case err := <-errCh:
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("Discord bot error")
			closer.Close()
			os.Exit(1)
		}
	}

	logger.Info().Msg("Discord bot exited cleanly")
}
