// Package logging is the observability channel for driver misbehavior.
// A bad register write is rejected and reported here instead of failing the
// device, so the channel must never block or panic.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// SetOutput redirects the package logger. Tests use it to capture or
// silence rejection reports.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	log = zerolog.New(w).With().Timestamp().Logger()
}

func event(e *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}

	e.Msg(msg)
}

// Warn reports a recoverable protocol violation.
func Warn(msg string, kv ...any) {
	mu.RLock()
	defer mu.RUnlock()
	event(log.Warn(), msg, kv)
}

// Error reports a rejected configuration value or a failed guest access.
func Error(msg string, kv ...any) {
	mu.RLock()
	defer mu.RUnlock()
	event(log.Error(), msg, kv)
}
