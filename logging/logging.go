// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/gurre/ddb-effect/config"
	"github.com/rs/zerolog"
)

// Configure returns a logger writing JSON or console lines to stderr at the
// configured level. Level defaults to info. A disabled config discards output.
func Configure(cfg config.Logging) zerolog.Logger {
	return New(os.Stderr, cfg)
}

// New is Configure with an explicit destination.
func New(w io.Writer, cfg config.Logging) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	output := w
	if !cfg.Enabled {
		output = io.Discard
	} else if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}
