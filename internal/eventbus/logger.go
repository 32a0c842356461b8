package eventbus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// zlogger routes watermill's logging into the global zerolog logger.
type zlogger struct {
	l zerolog.Logger
}

func NewLogger() watermill.LoggerAdapter {
	return zlogger{l: log.Logger.With().Str("component", "eventbus").Logger()}
}

func (z zlogger) Error(msg string, err error, fields watermill.LogFields) {
	z.l.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}

func (z zlogger) Info(msg string, fields watermill.LogFields) {
	z.l.Info().Fields(map[string]any(fields)).Msg(msg)
}

func (z zlogger) Debug(msg string, fields watermill.LogFields) {
	z.l.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (z zlogger) Trace(msg string, fields watermill.LogFields) {
	z.l.Trace().Fields(map[string]any(fields)).Msg(msg)
}

func (z zlogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zlogger{l: z.l.With().Fields(map[string]any(fields)).Logger()}
}
