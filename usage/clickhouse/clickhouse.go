// Package clickhouse writes generation attempts to ClickHouse with the native
// batch protocol. Put it behind usage.Async so attempts reach it in batches.
package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	qf "github.com/ineyio/questforge"
	"github.com/ineyio/questforge/usage"
)

// Store is a ClickHouse attempt sink.
type Store struct {
	conn  driver.Conn
	table string
}

var _ usage.BatchRecorder = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTable sets the table name (default "generation_attempts").
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// New creates a Store on an open connection.
func New(conn driver.Conn, opts ...Option) *Store {
	s := &Store{conn: conn, table: "generation_attempts"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial opens and pings a ClickHouse connection. addrs is a comma-separated
// host:port list.
func Dial(ctx context.Context, addrs, database, user, password string) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: strings.Split(addrs, ","),
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("questforge/clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("questforge/clickhouse: ping: %w", err)
	}
	return conn, nil
}

// EnsureSchema creates the table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			started_at DateTime64(3, 'UTC'),
			id String,
			request_id String,
			user_id String,
			schema_name LowCardinality(String),
			provider LowCardinality(String),
			transport LowCardinality(String),
			model LowCardinality(String),
			ordinal UInt16,
			outcome LowCardinality(String),
			error String,
			prompt_tokens UInt64,
			completion_tokens UInt64,
			total_tokens UInt64,
			cost_usd Decimal(18, 9),
			latency_ms UInt64
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(started_at)
		ORDER BY (user_id, started_at)`, s.table)
	if err := s.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("questforge/clickhouse: ensure schema: %w", err)
	}
	return nil
}

// Record writes a single attempt as a one-row batch.
func (s *Store) Record(ctx context.Context, a qf.Attempt) error {
	return s.RecordBatch(ctx, []qf.Attempt{a})
}

// RecordBatch writes attempts with one INSERT.
func (s *Store) RecordBatch(ctx context.Context, attempts []qf.Attempt) error {
	if len(attempts) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s (
		started_at, id, request_id, user_id, schema_name, provider, transport, model,
		ordinal, outcome, error, prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms
	)`, s.table))
	if err != nil {
		return fmt.Errorf("questforge/clickhouse: prepare batch: %w", err)
	}
	defer batch.Close()

	for _, a := range attempts {
		err := batch.Append(
			a.StartedAt, a.ID, a.RequestID, a.UserID, a.Schema, a.Provider, string(a.Transport), a.Model,
			uint16(a.Ordinal), string(a.Outcome), a.Error,
			uint64(a.Usage.PromptTokens), uint64(a.Usage.CompletionTokens), uint64(a.Usage.TotalTokens),
			a.Cost, uint64(a.Latency.Milliseconds()),
		)
		if err != nil {
			return fmt.Errorf("questforge/clickhouse: append attempt %s: %w", a.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("questforge/clickhouse: send batch: %w", err)
	}
	return nil
}
