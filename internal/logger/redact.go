package logger

import (
	"context"
	"log/slog"
	"os"

	"github.com/mrmd/orchestrator/internal/config"
)

// Redactor sanitizes a string, replacing any embedded secret values with a
// masked form. *secrets.Vault satisfies this.
type Redactor interface {
	RedactString(string) string
}

// RedactingHandler wraps an slog.Handler and runs the record's message and
// every string-valued attribute through a Redactor before handing the record
// to the inner handler. This keeps connection strings and OAuth client
// secrets that end up in error values out of the logs, without requiring
// every call site to remember to scrub them first.
type RedactingHandler struct {
	inner slog.Handler
	r     Redactor
}

// NewRedactingHandler wraps inner with redaction using r.
func NewRedactingHandler(inner slog.Handler, r Redactor) *RedactingHandler {
	return &RedactingHandler{inner: inner, r: r}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	out := slog.NewRecord(rec.Time, rec.Level, h.r.RedactString(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactingHandler) redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, h.r.RedactString(a.Value.String()))
	}
	return a
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	for i, a := range attrs {
		attrs[i] = h.redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(attrs), r: h.r}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), r: h.r}
}

// NewRedacting builds a logger the same way New does, but routes every
// record through r first. Use this in production where cfg carries real
// credentials; tests and local runs can keep using New.
func NewRedacting(cfg config.Logging, r Redactor) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	handler = NewRedactingHandler(handler, r)

	var closer Closer = nopCloser{}
	if cfg.Async {
		async := NewAsyncHandler(handler, 10000, 4)
		handler = async
		closer = async
	}

	return slog.New(handler).With("service", cfg.Service), closer
}
