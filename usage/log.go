package usage

import (
	"context"
	"log/slog"

	qf "github.com/ineyio/questforge"
)

// Log records attempts as structured log lines.
type Log struct {
	Logger *slog.Logger
}

var _ qf.Recorder = (*Log)(nil)

// NewLog creates a Log with the given logger.
// If logger is nil, slog.Default() is used.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger}
}

func (l *Log) Record(ctx context.Context, a qf.Attempt) error {
	attrs := []any{
		"request_id", a.RequestID,
		"user_id", a.UserID,
		"schema", a.Schema,
		"provider", a.Provider,
		"model", a.Model,
		"ordinal", a.Ordinal,
		"outcome", a.Outcome,
		"latency_ms", a.Latency.Milliseconds(),
	}
	if a.Outcome == qf.OutcomeSuccess {
		l.Logger.InfoContext(ctx, "attempt",
			append(attrs,
				"prompt_tokens", a.Usage.PromptTokens,
				"completion_tokens", a.Usage.CompletionTokens,
				"cost", a.Cost.String(),
			)...,
		)
		return nil
	}
	l.Logger.WarnContext(ctx, "attempt_failed", append(attrs, "error", a.Error)...)
	return nil
}
