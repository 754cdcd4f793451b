// Package logging owns the process-wide zerolog logger. Init is called once
// from the entrypoint; everything else reads through the package helpers or
// takes a component child via With.
package logging

import (
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger     = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	loggerLock sync.RWMutex
)

// Init configures the global logger. Pretty selects human-readable console
// output; otherwise JSON lines go to stderr.
func Init(level string, pretty bool) {
	var output io.Writer = os.Stderr
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.Kitchen,
		}
	}

	loggerLock.Lock()
	logger = zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
	loggerLock.Unlock()
}

// SetLevel adjusts the global log level at runtime.
func SetLevel(level string) {
	loggerLock.Lock()
	logger = logger.Level(parseLevel(level))
	loggerLock.Unlock()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func Debug() *zerolog.Event {
	l := get()
	return l.Debug()
}

func Info() *zerolog.Event {
	l := get()
	return l.Info()
}

func Warn() *zerolog.Event {
	l := get()
	return l.Warn()
}

func Error() *zerolog.Event {
	l := get()
	return l.Error()
}

func Fatal() *zerolog.Event {
	l := get()
	return l.Fatal()
}

// With returns a child logger tagged with a component name.
func With(component string) zerolog.Logger {
	return get().With().Str("component", component).Logger()
}

// Logger returns the underlying zerolog.Logger for integrations.
func Logger() zerolog.Logger {
	return get()
}

// StdErrorLogger adapts the logger for stdlib consumers such as
// http.Server.ErrorLog.
func StdErrorLogger() *stdlog.Logger {
	return stdlog.New(stdWriter{logger: get()}, "", 0)
}

func get() zerolog.Logger {
	loggerLock.RLock()
	defer loggerLock.RUnlock()
	return logger
}

type stdWriter struct {
	logger zerolog.Logger
}

func (w stdWriter) Write(p []byte) (int, error) {
	w.logger.Warn().Msg(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
