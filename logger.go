package absnfs

import (
	"io"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger defines the interface for logging in absnfs. Applications can
// provide their own implementation to integrate with existing logging
// systems.
type Logger interface {
	Debug(msg string, fields ...LogField)
	Info(msg string, fields ...LogField)
	Warn(msg string, fields ...LogField)
	Error(msg string, fields ...LogField)
	// Log exposes the raw go-kit keyvals contract, so any Logger here
	// can also be handed to go-kit-consuming collectors.
	Log(keyvals ...interface{}) error
}

// LogField is a structured logging key-value pair.
type LogField struct {
	Key   string
	Value interface{}
}

// LogConfig configures the go-kit-backed logger: an output stream
// ("stderr", "stdout", or a file path) and a minimum Level
// ("debug"|"info"|"warn"|"error").
type LogConfig struct {
	Level  string
	Output string
}

// GoKitLogger implements Logger on top of go-kit/log with a leveled
// filter, the logging stack the rest of this codebase's ambient
// observability (portmapper, rate limiter, worker pool) is built
// around.
type GoKitLogger struct {
	base   kitlog.Logger
	closer io.Closer
}

// NewGoKitLogger builds a GoKitLogger from config. A nil config logs at
// info level to stderr.
func NewGoKitLogger(config *LogConfig) *GoKitLogger {
	if config == nil {
		config = &LogConfig{Level: "info"}
	}

	var w io.Writer
	var closer io.Closer
	switch config.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			w = os.Stderr
		} else {
			w = f
			closer = f
		}
	}

	base := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(w))
	base = level.NewFilter(base, allowLevel(config.Level))
	base = kitlog.With(base, "ts", kitlog.DefaultTimestampUTC)

	return &GoKitLogger{base: base, closer: closer}
}

func allowLevel(s string) level.Option {
	switch s {
	case "debug":
		return level.AllowDebug()
	case "warn", "warning":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

func (l *GoKitLogger) keyvals(msg string, fields []LogField) []interface{} {
	kv := make([]interface{}, 0, 2+2*len(fields))
	kv = append(kv, "msg", msg)
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}

func (l *GoKitLogger) Debug(msg string, fields ...LogField) {
	level.Debug(l.base).Log(l.keyvals(msg, fields)...)
}

func (l *GoKitLogger) Info(msg string, fields ...LogField) {
	level.Info(l.base).Log(l.keyvals(msg, fields)...)
}

func (l *GoKitLogger) Warn(msg string, fields ...LogField) {
	level.Warn(l.base).Log(l.keyvals(msg, fields)...)
}

func (l *GoKitLogger) Error(msg string, fields ...LogField) {
	level.Error(l.base).Log(l.keyvals(msg, fields)...)
}

// Log exposes the raw go-kit keyvals contract for call sites that want
// to pass pre-built key/value pairs directly.
func (l *GoKitLogger) Log(keyvals ...interface{}) error {
	return l.base.Log(keyvals...)
}

func (l *GoKitLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// noopLogger discards everything; used in tests that don't care about
// log output.
type noopLogger struct{}

func (n *noopLogger) Debug(msg string, fields ...LogField) {}
func (n *noopLogger) Info(msg string, fields ...LogField)  {}
func (n *noopLogger) Warn(msg string, fields ...LogField)  {}
func (n *noopLogger) Error(msg string, fields ...LogField) {}
func (n *noopLogger) Log(keyvals ...interface{}) error     { return nil }

// NewNoopLogger creates a logger that discards all log messages.
func NewNoopLogger() Logger {
	return &noopLogger{}
}
