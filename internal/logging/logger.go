// Package logging provides structured logging for the sync engine.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	global zerolog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Init configures the global logger. Level strings follow zerolog
// ("debug", "info", "warn", "error"); unknown values fall back to info.
func Init(out io.Writer, level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	mu.Lock()
	defer mu.Unlock()
	global = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Get returns the global logger.
func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// With returns a logger with a component field attached. Packages use this
// once at construction time rather than repeating the field on every line.
func With(component string) zerolog.Logger {
	return Get().With().Str("component", component).Logger()
}

// Debug logs a debug message with optional context fields.
func Debug(message string, fields map[string]interface{}) {
	l := Get()
	event(l.Debug(), fields).Msg(message)
}

// Info logs an info message with optional context fields.
func Info(message string, fields map[string]interface{}) {
	l := Get()
	event(l.Info(), fields).Msg(message)
}

// Warn logs a warning message with optional context fields.
func Warn(message string, fields map[string]interface{}) {
	l := Get()
	event(l.Warn(), fields).Msg(message)
}

// Error logs an error message with the error and optional context fields.
func Error(message string, err error, fields map[string]interface{}) {
	l := Get()
	event(l.Error().Err(err), fields).Msg(message)
}

func event(e *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			e = e.Str(k, val)
		case int:
			e = e.Int(k, val)
		case int64:
			e = e.Int64(k, val)
		case float64:
			e = e.Float64(k, val)
		case bool:
			e = e.Bool(k, val)
		case time.Duration:
			e = e.Dur(k, val)
		case time.Time:
			e = e.Time(k, val)
		case error:
			e = e.AnErr(k, val)
		default:
			e = e.Interface(k, val)
		}
	}
	return e
}
