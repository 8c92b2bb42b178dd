// Package sysutil holds process bootstrap helpers shared by the careops
// commands.
package sysutil

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SetLogLevel configures the global zerolog level. Unknown or empty values
// fall back to info; "warning" is accepted as an alias for warn.
func SetLogLevel(lvl string) {
	l := strings.ToLower(strings.TrimSpace(lvl))
	if l == "warning" {
		l = "warn"
	}
	parsed, err := zerolog.ParseLevel(l)
	if err != nil || l == "" || parsed == zerolog.NoLevel || parsed == zerolog.TraceLevel || parsed == zerolog.Disabled {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

// NewLogger builds the process logger. Pretty output is meant for local
// development; production logs stay JSON.
func NewLogger(w io.Writer, level string, pretty bool, service string) zerolog.Logger {
	SetLogLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).With().Timestamp().Str("service", service).Logger()
}

// FirstNonEmpty returns the first value that is not blank, or "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
