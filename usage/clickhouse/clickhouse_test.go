package clickhouse_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qf "github.com/ineyio/questforge"
	"github.com/ineyio/questforge/usage"
	chstore "github.com/ineyio/questforge/usage/clickhouse"
)

// fakeConn implements the parts of driver.Conn the store uses.
type fakeConn struct {
	driver.Conn
	queries []string
	batches []*fakeBatch
	sendErr error
}

func (c *fakeConn) Exec(_ context.Context, query string, _ ...any) error {
	c.queries = append(c.queries, query)
	return nil
}

func (c *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	c.queries = append(c.queries, query)
	b := &fakeBatch{sendErr: c.sendErr}
	c.batches = append(c.batches, b)
	return b, nil
}

type fakeBatch struct {
	driver.Batch
	rows    [][]any
	sent    bool
	closed  bool
	sendErr error
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.sent = true
	return b.sendErr
}

func (b *fakeBatch) Close() error {
	b.closed = true
	return nil
}

func attempt(id string) qf.Attempt {
	return qf.Attempt{
		ID:        id,
		RequestID: "r1",
		UserID:    "u1",
		Schema:    "monster",
		Provider:  "gemini",
		Transport: qf.TransportGemini,
		Model:     "gemini-2.0-flash",
		Ordinal:   1,
		Outcome:   qf.OutcomeSuccess,
		Usage:     qf.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		Cost:      decimal.RequireFromString("0.001"),
		Latency:   250 * time.Millisecond,
		StartedAt: time.Now(),
	}
}

func TestStore_RecordBatch(t *testing.T) {
	conn := &fakeConn{}
	s := chstore.New(conn, chstore.WithTable("attempts"))

	require.NoError(t, s.RecordBatch(context.Background(), []qf.Attempt{attempt("a1"), attempt("a2")}))

	require.Len(t, conn.batches, 1)
	b := conn.batches[0]
	assert.True(t, b.sent)
	assert.True(t, b.closed)
	require.Len(t, b.rows, 2)
	assert.Equal(t, "a2", b.rows[1][1])
	assert.Equal(t, uint64(250), b.rows[0][15])
	assert.Contains(t, conn.queries[0], "INSERT INTO attempts")
}

func TestStore_EmptyBatchSkipsInsert(t *testing.T) {
	conn := &fakeConn{}
	require.NoError(t, chstore.New(conn).RecordBatch(context.Background(), nil))
	assert.Empty(t, conn.batches)
}

func TestStore_SendError(t *testing.T) {
	conn := &fakeConn{sendErr: errors.New("connection reset")}
	err := chstore.New(conn).Record(context.Background(), attempt("a1"))
	assert.ErrorContains(t, err, "connection reset")
}

func TestStore_EnsureSchema(t *testing.T) {
	conn := &fakeConn{}
	require.NoError(t, chstore.New(conn).EnsureSchema(context.Background()))
	assert.Contains(t, conn.queries[0], "ENGINE = MergeTree")
}

func TestStore_BehindAsync(t *testing.T) {
	conn := &fakeConn{}
	a := usage.NewAsync(chstore.New(conn), usage.WithMaxBatch(10), usage.WithFlushInterval(time.Hour))
	for i := 0; i < 4; i++ {
		require.NoError(t, a.Record(context.Background(), attempt("a")))
	}
	require.NoError(t, a.Close(context.Background()))

	require.Len(t, conn.batches, 1)
	assert.Len(t, conn.batches[0].rows, 4)
}
