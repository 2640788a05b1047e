package logging

import (
	"context"
	"log/slog"
	"strings"
)

// redactedValue replaces any credential-bearing attribute value.
const redactedValue = "[REDACTED]"

// sensitiveKeys are attribute names whose values are always masked.
// Matching is case-insensitive on the final dotted segment.
var sensitiveKeys = map[string]bool{
	"access_token":  true,
	"accesstoken":   true,
	"refresh_token": true,
	"refreshtoken":  true,
	"authorization": true,
	"client_secret": true,
	"token":         true,
	"api_key":       true,
}

// RedactingHandler wraps a slog.Handler and masks credential attributes
// and bearer-token substrings before they reach the output.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps the given handler.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(clean)}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		clean := make([]slog.Attr, len(group))
		for i, g := range group {
			clean[i] = redactAttr(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	}

	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redactedValue)
	}
	if a.Value.Kind() == slog.KindString {
		if v := redactBearer(a.Value.String()); v != a.Value.String() {
			return slog.String(a.Key, v)
		}
	}
	return a
}

func isSensitiveKey(key string) bool {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	return sensitiveKeys[strings.ToLower(key)]
}

// redactBearer masks the token following a "Bearer " prefix anywhere in
// the string, keeping the surrounding text intact.
func redactBearer(s string) string {
	lower := strings.ToLower(s)
	const marker = "bearer "
	i := strings.Index(lower, marker)
	if i < 0 {
		return s
	}
	start := i + len(marker)
	end := start
	for end < len(s) && s[end] != ' ' && s[end] != '"' && s[end] != '\n' {
		end++
	}
	if end == start {
		return s
	}
	return s[:start] + redactedValue + s[end:]
}
