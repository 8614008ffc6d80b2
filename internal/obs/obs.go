// Package obs is a minimal leveled-logging shim over zerolog, used by
// package cond to trace the outcome of each private wait as it returns
// (enqueue, signal dispatch and requeue hand-off are not traced). It exists
// because such events are exactly the kind of
// thing you want on when chasing a lost wakeup and never want on in
// production: a single atomic bool gate keeps the hot path free of any
// zerolog call when tracing is off.
package obs

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var enabled int32

// Enable turns on Debug-level tracing of CV/Mutex internals. Intended for
// tests and the futexcondload demo; never call this from a production
// critical path.
func Enable() { atomic.StoreInt32(&enabled, 1) }

// Disable turns tracing back off.
func Disable() { atomic.StoreInt32(&enabled, 0) }

// Enabled reports whether tracing is currently on.
func Enabled() bool { return atomic.LoadInt32(&enabled) != 0 }

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
	With().Timestamp().Logger()

// Debugf logs a trace line if and only if Enabled(). Callers in the hot
// path should still guard with `if obs.Enabled() { obs.Debugf(...) }` to
// avoid formatting work when tracing is off; Debugf itself checks again so
// it is always safe to call unconditionally.
func Debugf(format string, args ...interface{}) {
	if !Enabled() {
		return
	}
	logger.Debug().Msgf(format, args...)
}
