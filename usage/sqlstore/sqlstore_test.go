package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	qf "github.com/ineyio/questforge"
	"github.com/ineyio/questforge/usage/sqlstore"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := sqlstore.New(db)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func attempt(id string, ordinal int, outcome qf.AttemptOutcome, cost string) qf.Attempt {
	return qf.Attempt{
		ID:        id,
		RequestID: "r1",
		UserID:    "u1",
		Schema:    "npc",
		Provider:  "openai",
		Transport: qf.TransportOpenAI,
		Model:     "gpt-4o-mini",
		Ordinal:   ordinal,
		Outcome:   outcome,
		Usage:     qf.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		Cost:      decimal.RequireFromString(cost),
		Latency:   800 * time.Millisecond,
		StartedAt: time.Date(2026, time.October, 18, 12, 0, ordinal, 0, time.UTC),
	}
}

func TestStore_RecordAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	failed := attempt("a1", 1, qf.OutcomeSchemaViolation, "0.000045")
	failed.Error = "questforge: schema violation: name: missing required field"
	require.NoError(t, s.Record(ctx, failed))
	require.NoError(t, s.Record(ctx, attempt("a2", 2, qf.OutcomeSuccess, "0.000045")))

	got, err := s.ByRequest(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, failed.Error, got[0].Error)
	assert.Equal(t, qf.OutcomeSuccess, got[1].Outcome)
	assert.Equal(t, 800*time.Millisecond, got[1].Latency)
	assert.True(t, got[1].StartedAt.Equal(attempt("a2", 2, "", "0").StartedAt))
	assert.True(t, decimal.RequireFromString("0.000045").Equal(got[1].Cost))
}

func TestStore_RecordBatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.RecordBatch(ctx, []qf.Attempt{
		attempt("a1", 1, qf.OutcomeTransportFailure, "0"),
		attempt("a2", 2, qf.OutcomeSuccess, "0.25"),
		attempt("a3", 1, qf.OutcomeSuccess, "0.5"),
	}))

	spend, err := s.SpendSince(ctx, "u1", time.Date(2026, time.October, 18, 12, 0, 2, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), spend.Attempts)
	assert.True(t, decimal.RequireFromString("0.25").Equal(spend.Cost), spend.Cost.String())

	spend, err = s.SpendSince(ctx, "u1", time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(3), spend.Attempts)
	assert.Equal(t, int64(300), spend.PromptTokens)
	assert.True(t, decimal.RequireFromString("0.75").Equal(spend.Cost))
}

func TestStore_BatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.RecordBatch(ctx, []qf.Attempt{
		attempt("dup", 1, qf.OutcomeSuccess, "0"),
		attempt("dup", 2, qf.OutcomeSuccess, "0"),
	})
	require.Error(t, err)

	got, err := s.ByRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
