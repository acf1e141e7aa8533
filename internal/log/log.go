// Package log wires log/slog for the spinup binary and its fixtures.
// Records drawn from child process output keep their original level and
// timestamp, so the handler must not assume records describe spinup
// itself.
package log

import (
	"context"
	"io"
	"log/slog"
)

type attrsKeyT struct{}

var attrsKey attrsKeyT

// ContextHandler appends attributes stored in the context to every
// record, so per service attributes set once follow all records of that
// service without threading a logger through every call.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{Handler: handler}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(attrsKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}
	return h.Handler.Handle(ctx, r)
}

// ContextAttrs returns a context carrying attrs on top of whatever the
// parent context already carried.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(attrsKey).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(a)+len(attrs))
	merged = append(merged, a...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, attrsKey, merged)
}

// New builds the logger used by the command line entry points. Text by
// default as the main consumer is a developer terminal, JSON when
// machine readable output is wanted.
func New(w io.Writer, verbose bool, json bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if json {
		base = slog.NewJSONHandler(w, opts)
	} else {
		base = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewContextHandler(base))
}
