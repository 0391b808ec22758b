package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LogHandler is a slog.Handler that enqueues every record onto a
// Broadcaster in addition to delegating to the wrapped handler. It is how
// the daemon's own operational log reaches push-channel consumers: slog may
// be called from any goroutine, while delivery happens on the broadcaster
// pump.
type LogHandler struct {
	inner slog.Handler
	b     *Broadcaster
}

// NewLogHandler wraps inner so records are also broadcast via b.
func NewLogHandler(inner slog.Handler, b *Broadcaster) *LogHandler {
	return &LogHandler{inner: inner, b: b}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder

	sb.WriteString(r.Message)

	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value.Any())

		return true
	})

	h.b.Enqueue(Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: sb.String(),
	})

	return h.inner.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{inner: h.inner.WithAttrs(attrs), b: h.b}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{inner: h.inner.WithGroup(name), b: h.b}
}
