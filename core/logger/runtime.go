package logger

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"unicode"
)

// contextKey is a private type to avoid collisions in context.
type contextKey string

const (
	ctxRID       contextKey = "rid"
	ctxUserID    contextKey = "user_id"
	ctxEventType contextKey = "event_type"
	ctxScenario  contextKey = "scenario"
	ctxStep      contextKey = "step"
	ctxLogger    contextKey = "logger"
)

func withValue(ctx context.Context, key contextKey, val string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if val == "" {
		return ctx
	}
	return context.WithValue(ctx, key, val)
}

func stringFrom(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(key).(string)
	return s
}

// WithLogger stores the provided slog.Logger in context for propagation across layers.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxLogger, log)
}

// FromContext extracts slog.Logger from context or returns the base logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxLogger).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return L
}

// WithRID attaches request correlation id into context.
func WithRID(ctx context.Context, rid string) context.Context {
	return withValue(ctx, ctxRID, rid)
}

// RIDFrom extracts rid from context if present.
func RIDFrom(ctx context.Context) string {
	return stringFrom(ctx, ctxRID)
}

// WithEvent attaches the inbound event identity to context.
func WithEvent(ctx context.Context, eventType, userID string) context.Context {
	ctx = withValue(ctx, ctxEventType, eventType)
	return withValue(ctx, ctxUserID, userID)
}

// UserIDFrom returns the channel user id carried by ctx.
func UserIDFrom(ctx context.Context) string {
	return stringFrom(ctx, ctxUserID)
}

// EventTypeFrom returns the inbound event type carried by ctx.
func EventTypeFrom(ctx context.Context) string {
	return stringFrom(ctx, ctxEventType)
}

// WithScenario attaches the active scenario and step to context.
func WithScenario(ctx context.Context, scenario, step string) context.Context {
	ctx = withValue(ctx, ctxScenario, scenario)
	return withValue(ctx, ctxStep, step)
}

// ScenarioFrom returns the scenario and step carried by ctx.
func ScenarioFrom(ctx context.Context) (string, string) {
	return stringFrom(ctx, ctxScenario), stringFrom(ctx, ctxStep)
}

// Sanitize drops control and format runes except tab and newline.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SanitizeLimit applies Sanitize and limits the output length in runes.
func SanitizeLimit(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(Sanitize(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max])
}

// BuildRID returns a correlation identifier in the format channel:userID:seq.
func BuildRID(channel, userID string, seq uint64) string {
	return channel + ":" + userID + ":" + strconv.FormatUint(seq, 10)
}

// CompactRID shortens the numeric segments of a RID into base36.
// Non-numeric segments are kept; inputs that are not three segments are returned unchanged.
func CompactRID(rid string) string {
	rid = strings.TrimSpace(rid)
	parts := strings.Split(rid, ":")
	if len(parts) != 3 {
		return rid
	}
	for i, part := range parts {
		if part == "" {
			return rid
		}
		if n, err := strconv.ParseUint(part, 10, 64); err == nil {
			parts[i] = strconv.FormatUint(n, 36)
		}
	}
	return strings.Join(parts, ".")
}
