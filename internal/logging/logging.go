// Package logging builds the process logger: human readable console
// output on stderr, plus an optional rotating log file.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how much the process logs.
type Options struct {
	Level   string
	File    string
	Console io.Writer
}

// New returns a logger writing to the console and, when opts.File is
// set, to a rotating file. The returned closer releases the file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		lvl, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		level = lvl
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.DateTime}}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		writers = append(writers, rotating)
		closer = rotating
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closer, nil
}

// Install makes logger the package-level zerolog logger and routes the
// standard library logger (used by discordgo) through it.
func Install(logger zerolog.Logger) {
	log.Logger = logger
	stdlog.SetFlags(0)
	stdlog.SetOutput(logger.With().Str("component", "discordgo").Logger())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
