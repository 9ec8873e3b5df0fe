package pion

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// LoggerFactory routes pion's internal logging into zerolog.
type LoggerFactory struct {
	Logger zerolog.Logger
}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return logger{f.Logger.With().Str("scope", scope).Logger()}
}

type logger struct {
	l zerolog.Logger
}

func (l logger) Trace(msg string)                          { l.l.Trace().Msg(msg) }
func (l logger) Tracef(format string, args ...interface{}) { l.l.Trace().Msgf(format, args...) }
func (l logger) Debug(msg string)                          { l.l.Debug().Msg(msg) }
func (l logger) Debugf(format string, args ...interface{}) { l.l.Debug().Msgf(format, args...) }
func (l logger) Info(msg string)                           { l.l.Info().Msg(msg) }
func (l logger) Infof(format string, args ...interface{})  { l.l.Info().Msgf(format, args...) }
func (l logger) Warn(msg string)                           { l.l.Warn().Msg(msg) }
func (l logger) Warnf(format string, args ...interface{})  { l.l.Warn().Msgf(format, args...) }
func (l logger) Error(msg string)                          { l.l.Error().Msg(msg) }
func (l logger) Errorf(format string, args ...interface{}) { l.l.Error().Msgf(format, args...) }
