// Package zlog adapts zerolog to pion's leveled logging interfaces, so
// components that take a logging.LoggerFactory can write structured logs.
package zlog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// Factory creates scoped loggers that share one zerolog.Logger.
type Factory struct {
	base zerolog.Logger
}

// NewFactory returns a factory writing through base.
func NewFactory(base zerolog.Logger) *Factory {
	return &Factory{base: base}
}

// NewConsole returns a factory writing human-readable lines to out at level.
// A nil out writes to stderr.
func NewConsole(out io.Writer, app string, level zerolog.Level) *Factory {
	if out == nil {
		out = os.Stderr
	}
	w := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	return NewFactory(zerolog.New(w).Level(level).With().Timestamp().Str("app", app).Logger())
}

// NewJSON returns a factory writing JSON lines to out at level.
func NewJSON(out io.Writer, app string, level zerolog.Level) *Factory {
	if out == nil {
		out = os.Stderr
	}
	return NewFactory(zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger())
}

// NewLogger implements logging.LoggerFactory.
func (f *Factory) NewLogger(scope string) logging.LeveledLogger {
	return &Logger{z: f.base.With().Str("scope", scope).Logger()}
}

var _ logging.LoggerFactory = (*Factory)(nil)

// Logger is a logging.LeveledLogger backed by zerolog.
type Logger struct {
	z zerolog.Logger
}

func (l *Logger) Trace(msg string) { l.z.Trace().Msg(msg) }
func (l *Logger) Tracef(format string, args ...any) {
	l.z.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *Logger) Debug(msg string) { l.z.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...any) {
	l.z.Debug().Msg(fmt.Sprintf(format, args...))
}
func (l *Logger) Info(msg string) { l.z.Info().Msg(msg) }
func (l *Logger) Infof(format string, args ...any) {
	l.z.Info().Msg(fmt.Sprintf(format, args...))
}
func (l *Logger) Warn(msg string) { l.z.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...any) {
	l.z.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l *Logger) Error(msg string) { l.z.Error().Msg(msg) }
func (l *Logger) Errorf(format string, args ...any) {
	l.z.Error().Msg(fmt.Sprintf(format, args...))
}

var _ logging.LeveledLogger = (*Logger)(nil)

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
