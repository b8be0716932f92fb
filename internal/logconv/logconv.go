// Package logconv wraps zerolog behind a narrow interface so that
// pkg/trace and pkg/infer depend on a three-method Logger rather than
// the concrete zerolog type everywhere, the same constructor-injection
// shape jhkimqd-chaos-utils uses to thread a *zerolog.Logger into its
// orchestrator and injection components.
package logconv

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the narrow logging surface the trace/inference code
// depends on.
type Logger interface {
	Debug(event string, fields map[string]interface{})
	Info(event string, fields map[string]interface{})
	Warn(event string, fields map[string]interface{})
}

type zlogger struct {
	l zerolog.Logger
}

// New builds a Logger writing to w at the given level ("debug",
// "info", "warn", "error", "disabled"). An unrecognized level falls
// back to "info".
func New(w io.Writer, level string) Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return &zlogger{l: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything — the default for a
// Trace constructed without an explicit logger.
func Nop() Logger {
	return &zlogger{l: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}

// Default returns a Logger writing to stderr at info level.
func Default() Logger {
	return New(os.Stderr, "info")
}

func (z *zlogger) event(lvl zerolog.Level, event string, fields map[string]interface{}) {
	e := z.l.WithLevel(lvl)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(event)
}

func (z *zlogger) Debug(event string, fields map[string]interface{}) {
	z.event(zerolog.DebugLevel, event, fields)
}
func (z *zlogger) Info(event string, fields map[string]interface{}) {
	z.event(zerolog.InfoLevel, event, fields)
}
func (z *zlogger) Warn(event string, fields map[string]interface{}) {
	z.event(zerolog.WarnLevel, event, fields)
}
