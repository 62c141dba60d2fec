package logging

import (
	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// waAdapter satisfies whatsmeow's waLog.Logger on top of zerolog, so the
// client's internals log through the same sink as the rest of the gateway.
type waAdapter struct {
	log zerolog.Logger
}

// Meow wraps a zerolog logger for use by the whatsmeow client.
func Meow(log zerolog.Logger, module string) waLog.Logger {
	return &waAdapter{log: log.With().Str("wa_module", module).Logger()}
}

func (a *waAdapter) Errorf(msg string, args ...any) { a.log.Error().Msgf(msg, args...) }
func (a *waAdapter) Warnf(msg string, args ...any)  { a.log.Warn().Msgf(msg, args...) }
func (a *waAdapter) Infof(msg string, args ...any)  { a.log.Info().Msgf(msg, args...) }
func (a *waAdapter) Debugf(msg string, args ...any) { a.log.Debug().Msgf(msg, args...) }

func (a *waAdapter) Sub(module string) waLog.Logger {
	return &waAdapter{log: a.log.With().Str("wa_module", module).Logger()}
}
