// Package log provides the leveled key-value logger used by every
// subsystem. It is a thin wrapper around zerolog so that call sites
// depend on a stable interface rather than a concrete logging library.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Level is a logging severity level.
type Level int8

const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel returns the Level named by s, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the logging interface passed to subsystems. Arguments
// after the message are alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// New returns a child logger scoped with the given name.
	New(name string) Logger
}

type options struct {
	level  Level
	writer io.Writer
	name   string
}

// Option configures a Logger created by New.
type Option func(*options)

// WithLevel sets the minimum level emitted by the logger.
func WithLevel(lvl Level) Option {
	return func(o *options) { o.level = lvl }
}

// WithWriter sets the destination for log output.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithName sets the root scope name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// New creates a Logger writing structured output to the configured
// writer (stderr by default).
func New(opts ...Option) Logger {
	o := &options{level: LevelInfo, writer: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}

	zl := zerolog.New(o.writer).With().Timestamp().Logger().
		Level(zerolog.Level(o.level))
	if o.name != "" {
		zl = zl.With().Str("system", o.name).Logger()
	}
	return &logger{zl: zl}
}

type logger struct {
	zl zerolog.Logger
}

func (l *logger) Debug(msg string, args ...any) { emit(l.zl.Debug(), msg, args) }
func (l *logger) Info(msg string, args ...any)  { emit(l.zl.Info(), msg, args) }
func (l *logger) Warn(msg string, args ...any)  { emit(l.zl.Warn(), msg, args) }
func (l *logger) Error(msg string, args ...any) { emit(l.zl.Error(), msg, args) }

func (l *logger) New(name string) Logger {
	return &logger{zl: l.zl.With().Str("system", name).Logger()}
}

func emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "!BADKEY"
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}

// DiscardLogger drops all output. Intended for tests.
var DiscardLogger Logger = &logger{zl: zerolog.Nop()}
