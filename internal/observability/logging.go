package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/worktrail/internal/config"
	"github.com/pitabwire/worktrail/model"
)

type loggerKey struct{}

// NewLogger builds the JSON logger written to stdout. Every entry carries
// the service name and the build version.
//
// Levels:
//   - error: storage or queue failures, 5xx responses, panics, and a
//     timeline append that failed after its record was saved
//   - warn: 4xx responses, responsibility fallback, job retries, failed
//     notifications
//   - info: requests, transitions, automatic moves, reloads
//   - debug: handler selection, dispatch hops, transition data
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig = enc
	zc.InitialFields = map[string]any{
		"service": "worktrail",
		"version": Version,
	}
	return zc.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the acting subject,
// the correlation id and, when known, the trace id. Work done on behalf of
// the system under impersonation is marked as such.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if rctx.Impersonating {
		fields = append(fields, zap.Bool("impersonating", true))
	}
	return logger.With(fields...)
}

// WorkFields identifies a work unit in log entries.
func WorkFields(workType string, id int64) []zap.Field {
	return []zap.Field{
		zap.String("work_type", workType),
		zap.Int64("work_unit_id", id),
	}
}

const redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"password", "secret", "token", "api_key", "authorization",
	"iban", "account_number", "card_number", "ssn",
}

func isSensitive(key string, extra []string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	for _, s := range extra {
		if strings.EqualFold(k, s) {
			return true
		}
	}
	return false
}

// RedactData returns a copy of transition or note data fit for debug logs.
// Keys that look like credentials or account numbers, and any key named in
// extra, are replaced. Nested maps and lists of maps are walked.
func RedactData(data map[string]any, extra ...string) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if isSensitive(k, extra) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, extra)
	}
	return out
}

func redactValue(v any, extra []string) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactData(t, extra...)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = redactValue(item, extra)
		}
		return items
	default:
		return v
	}
}
