// Package sqlstore keeps an append-only table of generation attempts in any
// database/sql database sqlx supports. The CLI opens it with the "sqlite"
// (modernc.org/sqlite) or "postgres" (lib/pq) driver.
package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	qf "github.com/ineyio/questforge"
	"github.com/ineyio/questforge/usage"
)

// Store writes attempts to the generation_attempts table.
type Store struct {
	db    *sqlx.DB
	table string
}

var _ usage.BatchRecorder = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTable sets the table name (default "generation_attempts").
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// New creates a Store on an open database.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, table: "generation_attempts"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type attemptRow struct {
	ID               string          `db:"id"`
	RequestID        string          `db:"request_id"`
	UserID           string          `db:"user_id"`
	Schema           string          `db:"schema_name"`
	Provider         string          `db:"provider"`
	Transport        string          `db:"transport"`
	Model            string          `db:"model"`
	Ordinal          int             `db:"ordinal"`
	Outcome          string          `db:"outcome"`
	Error            string          `db:"error"`
	PromptTokens     int64           `db:"prompt_tokens"`
	CompletionTokens int64           `db:"completion_tokens"`
	TotalTokens      int64           `db:"total_tokens"`
	Cost             decimal.Decimal `db:"cost_usd"`
	LatencyMs        int64           `db:"latency_ms"`
	StartedAt        int64           `db:"started_at"`
}

func toRow(a qf.Attempt) attemptRow {
	return attemptRow{
		ID:               a.ID,
		RequestID:        a.RequestID,
		UserID:           a.UserID,
		Schema:           a.Schema,
		Provider:         a.Provider,
		Transport:        string(a.Transport),
		Model:            a.Model,
		Ordinal:          a.Ordinal,
		Outcome:          string(a.Outcome),
		Error:            a.Error,
		PromptTokens:     a.Usage.PromptTokens,
		CompletionTokens: a.Usage.CompletionTokens,
		TotalTokens:      a.Usage.TotalTokens,
		Cost:             a.Cost,
		LatencyMs:        a.Latency.Milliseconds(),
		StartedAt:        a.StartedAt.UnixNano(),
	}
}

func (r attemptRow) attempt() qf.Attempt {
	return qf.Attempt{
		ID:        r.ID,
		RequestID: r.RequestID,
		UserID:    r.UserID,
		Schema:    r.Schema,
		Provider:  r.Provider,
		Transport: qf.TransportKind(r.Transport),
		Model:     r.Model,
		Ordinal:   r.Ordinal,
		Outcome:   qf.AttemptOutcome(r.Outcome),
		Error:     r.Error,
		Usage: qf.Usage{
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			TotalTokens:      r.TotalTokens,
		},
		Cost:      r.Cost,
		Latency:   time.Duration(r.LatencyMs) * time.Millisecond,
		StartedAt: time.Unix(0, r.StartedAt).UTC(),
	}
}

const columns = `id, request_id, user_id, schema_name, provider, transport, model, ordinal,
	outcome, error, prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms, started_at`

// EnsureSchema creates the table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			schema_name TEXT NOT NULL,
			provider TEXT NOT NULL,
			transport TEXT NOT NULL,
			model TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			cost_usd TEXT NOT NULL DEFAULT '0',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			started_at BIGINT NOT NULL
		)`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("questforge/sqlstore: ensure schema: %w", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_request_idx ON %[1]s (request_id)`, s.table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("questforge/sqlstore: ensure index: %w", err)
	}
	return nil
}

func (s *Store) insertQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (
		:id, :request_id, :user_id, :schema_name, :provider, :transport, :model, :ordinal,
		:outcome, :error, :prompt_tokens, :completion_tokens, :total_tokens, :cost_usd, :latency_ms, :started_at)`,
		s.table, columns)
}

// Record inserts one attempt.
func (s *Store) Record(ctx context.Context, a qf.Attempt) error {
	if _, err := s.db.NamedExecContext(ctx, s.insertQuery(), toRow(a)); err != nil {
		return fmt.Errorf("questforge/sqlstore: insert attempt: %w", err)
	}
	return nil
}

// RecordBatch inserts attempts in one transaction.
func (s *Store) RecordBatch(ctx context.Context, attempts []qf.Attempt) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("questforge/sqlstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	q := s.insertQuery()
	for _, a := range attempts {
		if _, err := tx.NamedExecContext(ctx, q, toRow(a)); err != nil {
			return fmt.Errorf("questforge/sqlstore: insert attempt %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("questforge/sqlstore: commit: %w", err)
	}
	return nil
}

// ByRequest returns the attempts made for one request in call order.
func (s *Store) ByRequest(ctx context.Context, requestID string) ([]qf.Attempt, error) {
	var rows []attemptRow
	q := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE request_id = ? ORDER BY ordinal, started_at`, columns, s.table))
	if err := s.db.SelectContext(ctx, &rows, q, requestID); err != nil {
		return nil, fmt.Errorf("questforge/sqlstore: attempts by request: %w", err)
	}

	out := make([]qf.Attempt, len(rows))
	for i, r := range rows {
		out[i] = r.attempt()
	}
	return out, nil
}

// UserSpend is the aggregated successful usage of one user.
type UserSpend struct {
	Attempts         int64
	PromptTokens     int64
	CompletionTokens int64
	Cost             decimal.Decimal
}

// SpendSince sums a user's attempts started at or after since. Costs are
// summed in Go to keep decimal precision on every database.
func (s *Store) SpendSince(ctx context.Context, userID string, since time.Time) (UserSpend, error) {
	var rows []attemptRow
	q := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ? AND started_at >= ?`, columns, s.table))
	if err := s.db.SelectContext(ctx, &rows, q, userID, since.UnixNano()); err != nil {
		return UserSpend{}, fmt.Errorf("questforge/sqlstore: spend since: %w", err)
	}

	var out UserSpend
	for _, r := range rows {
		out.Attempts++
		out.PromptTokens += r.PromptTokens
		out.CompletionTokens += r.CompletionTokens
		out.Cost = out.Cost.Add(r.Cost)
	}
	return out, nil
}
