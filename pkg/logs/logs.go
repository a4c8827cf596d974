// Package logs holds the process wide pion/logging factory. Components accept
// a logging.LoggerFactory in their config and fall back to Factory() when the
// field is left nil.
package logs

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pion/logging"
)

var (
	factory logging.LoggerFactory = logging.NewDefaultLoggerFactory()
	mux     sync.RWMutex
)

// ParseLevel maps a flag value like "debug" or "WARN" to a pion log level.
// Unknown values yield info.
func ParseLevel(level string) logging.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "disabled", "off", "silent":
		return logging.LogLevelDisabled
	case "error":
		return logging.LogLevelError
	case "warn", "warning":
		return logging.LogLevelWarn
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelInfo
	}
}

// Init replaces the process wide factory. Call once at startup, before any
// component gets constructed.
func Init(level logging.LogLevel, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}

	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = level
	f.Writer = w

	mux.Lock()
	defer mux.Unlock()

	factory = f
}

func Factory() logging.LoggerFactory {
	mux.RLock()
	defer mux.RUnlock()

	return factory
}

// Scoped returns a logger for scope from f, or from the process wide factory
// when f is nil.
func Scoped(f logging.LoggerFactory, scope string) logging.LeveledLogger {
	if f == nil {
		f = Factory()
	}

	return f.NewLogger(scope)
}

// Discard is a factory whose loggers drop everything; tests use it to keep
// output quiet.
func Discard() logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = logging.LogLevelDisabled
	f.Writer = io.Discard

	return f
}
