// Package logging configures zerolog for the gateway and bridges it to
// the whatsmeow logger interface.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// New builds the root logger. Console output when stdout is a terminal,
// JSON lines otherwise.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stdout.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
