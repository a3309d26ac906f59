package tunecord

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

const redactedPlaceholder = "[redacted]"

// Redactor removes configured secrets (API keys, tokens) from strings
// before they leave the process boundary, whether through a log line or a
// propagated error.
type Redactor struct {
	secrets []string
}

func NewRedactor(secrets ...string) *Redactor {
	kept := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return &Redactor{secrets: kept}
}

// Redact replaces every occurrence of every configured secret.
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redactedPlaceholder)
	}
	return s
}

// RedactErr returns an error whose message has been scrubbed. The original
// error chain is preserved for errors.Is / errors.As.
func (r *Redactor) RedactErr(err error) error {
	if err == nil {
		return nil
	}
	scrubbed := r.Redact(err.Error())
	if scrubbed == err.Error() {
		return err
	}
	return &redactedError{msg: scrubbed, wrapped: err}
}

type redactedError struct {
	msg     string
	wrapped error
}

func (e *redactedError) Error() string {
	return e.msg
}

func (e *redactedError) Unwrap() error {
	return e.wrapped
}

// NewRedactingHandler wraps a slog.Handler so that every record's message
// and string attribute values pass through the redactor.
func NewRedactingHandler(inner slog.Handler, redactor *Redactor) slog.Handler {
	return &redactingHandler{inner: inner, redactor: redactor}
}

type redactingHandler struct {
	inner    slog.Handler
	redactor *Redactor
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.redactor.Redact(rec.Message), rec.PC)
	rec.Attrs(
		func(attr slog.Attr) bool {
			out.AddAttrs(h.redactAttr(attr))
			return true
		},
	)
	return h.inner.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		scrubbed[i] = h.redactAttr(attr)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(scrubbed), redactor: h.redactor}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name), redactor: h.redactor}
}

func (h *redactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	val := attr.Value.Resolve()
	switch val.Kind() {
	case slog.KindString:
		attr.Value = slog.StringValue(h.redactor.Redact(val.String()))
	case slog.KindGroup:
		members := val.Group()
		scrubbed := make([]slog.Attr, len(members))
		for i, member := range members {
			scrubbed[i] = h.redactAttr(member)
		}
		attr.Value = slog.GroupValue(scrubbed...)
	case slog.KindAny:
		if err, ok := val.Any().(error); ok {
			attr.Value = slog.StringValue(h.redactor.Redact(err.Error()))
		}
	default:
	}
	return attr
}

// isRedacted reports whether the chain contains a redacted error.
func isRedacted(err error) bool {
	var re *redactedError
	return errors.As(err, &re)
}
