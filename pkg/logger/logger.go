package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	if os.Getenv("APP_ENV") == "production" {
		Log = build(true, os.Stdout)
	} else {
		Log = build(false, os.Stderr)
	}
}

func build(jsonOutput bool, out io.Writer) zerolog.Logger {
	// JSON output for production
	l := zerolog.New(out).With().Timestamp().Logger()
	if !jsonOutput {
		l = l.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return l
}

// Setup reconfigures the global logger. Format is "json" or "console"; an empty
// format keeps the APP_ENV based default.
func Setup(level, format string) error {
	switch strings.ToLower(format) {
	case "json":
		Log = build(true, os.Stdout)
	case "console":
		Log = build(false, os.Stdout)
	}
	if level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	Log = Log.Level(lvl)
	return nil
}

// For returns a child logger tagged with the component name.
func For(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}
