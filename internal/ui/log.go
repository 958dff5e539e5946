package ui

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the diagnostic logger shared by all launcher packages. Human status
// lines go through Console; Log carries the details behind them.
var Log = newLogger(os.Stderr)

func init() {
	// default from env if present
	level := os.Getenv("MLLAUNCH_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	SetLogLevel(level)
}

func newLogger(w io.Writer) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(cw).With().Timestamp().Logger()
}

// SetLogLevel accepts debug|info|warn|error; anything else means info.
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error", "err":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// SetLogOutput redirects diagnostics, mainly for tests.
func SetLogOutput(w io.Writer) { Log = newLogger(w) }
