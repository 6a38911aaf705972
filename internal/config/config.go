package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Player modes.
const (
	PlayerModePerGuild = "per-guild"
	PlayerModeShared   = "shared"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the process configuration, sourced from the environment.
type Config struct {
	DiscordToken      string `env:"DISCORD_BOT_TOKEN,required,notEmpty"`
	ClientID          string `env:"DISCORD_CLIENT_ID,required,notEmpty"`
	MinDelayMs        int    `env:"DISCORD_MIN_DELAY,required"`
	MaxDelayMs        int    `env:"DISCORD_MAX_DELAY,required"`
	ResourcePath      string `env:"RESOURCE_PATH" envDefault:"song.mp3"`
	PlayerMode        string `env:"PLAYER_MODE" envDefault:"per-guild"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile           string `env:"LOG_FILE"`
	OpenRetryAttempts int    `env:"OPEN_RETRY_ATTEMPTS" envDefault:"5"`
}

// Load reads envFile into the process environment when it exists, then
// parses and validates the configuration. A missing env file is not an
// error; the system environment is used as is.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return parse(env.Options{})
}

// FromMap parses and validates configuration from an explicit environment.
func FromMap(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects delay bounds and modes the agent cannot run with.
func (c *Config) Validate() error {
	if c.MinDelayMs < 0 {
		return fmt.Errorf("%w: DISCORD_MIN_DELAY must be non-negative, got %d", ErrInvalidConfig, c.MinDelayMs)
	}
	if c.MaxDelayMs < 0 {
		return fmt.Errorf("%w: DISCORD_MAX_DELAY must be non-negative, got %d", ErrInvalidConfig, c.MaxDelayMs)
	}
	if c.MaxDelayMs < c.MinDelayMs {
		return fmt.Errorf("%w: DISCORD_MAX_DELAY (%d) is below DISCORD_MIN_DELAY (%d)", ErrInvalidConfig, c.MaxDelayMs, c.MinDelayMs)
	}
	switch c.PlayerMode {
	case PlayerModePerGuild, PlayerModeShared:
	default:
		return fmt.Errorf("%w: PLAYER_MODE must be %q or %q, got %q", ErrInvalidConfig, PlayerModePerGuild, PlayerModeShared, c.PlayerMode)
	}
	if c.OpenRetryAttempts < 1 {
		return fmt.Errorf("%w: OPEN_RETRY_ATTEMPTS must be at least 1", ErrInvalidConfig)
	}
	info, err := os.Stat(c.ResourcePath)
	if err != nil {
		return fmt.Errorf("%w: audio resource: %w", ErrInvalidConfig, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: audio resource %s is a directory", ErrInvalidConfig, c.ResourcePath)
	}
	return nil
}

// MinDelay is the lower join delay bound.
func (c *Config) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMs) * time.Millisecond
}

// MaxDelay is the upper join delay bound.
func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}
