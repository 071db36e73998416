package questforge

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Recorder stores generation attempts. It is fire-and-forget from the
// orchestrator's point of view: errors are logged and never fail a request.
type Recorder interface {
	Record(ctx context.Context, a Attempt) error
}

// Attempt is one backend call made while serving a request. Skipped
// candidates make no call and are not recorded.
// It is immutable once recorded.
type Attempt struct {
	ID        string          `json:"id"`
	RequestID string          `json:"request_id"`
	UserID    string          `json:"user_id"`
	Schema    string          `json:"schema"`
	Provider  string          `json:"provider"`
	Transport TransportKind   `json:"transport"`
	Model     string          `json:"model"`
	Ordinal   int             `json:"ordinal"`
	Outcome   AttemptOutcome  `json:"outcome"`
	Error     string          `json:"error,omitempty"`
	Usage     Usage           `json:"usage"`
	Cost      decimal.Decimal `json:"cost"`
	Latency   time.Duration   `json:"latency_ns"`
	StartedAt time.Time       `json:"started_at"`
}

// NoopRecorder discards attempts.
type NoopRecorder struct{}

func (NoopRecorder) Record(context.Context, Attempt) error { return nil }
