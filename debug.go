package amqp

import (
	"context"
	"log/slog"

	"github.com/thornwright/amqp1/internal/debug"
)

// RegisterLogger configures the library's debug logger with the input slog.Handler h.
//
// By default, the debug logger uses a no-op handler and doesn't produce any log events.
func RegisterLogger(h slog.Handler) {
	debug.RegisterLogger(h)
}

// debugLog is a terse call-site helper for the mux loops: debug.Log
// requires a context, and none of the connection/session/link event
// loops carry one end-to-end.
func debugLog(level slog.Level, msg string, args ...any) {
	debug.Log(context.Background(), level, msg, args...)
}
