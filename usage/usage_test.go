package usage_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qf "github.com/ineyio/questforge"
	"github.com/ineyio/questforge/usage"
)

type memRecorder struct {
	mu       sync.Mutex
	attempts []qf.Attempt
	batches  int
	err      error
	block    chan struct{}
}

func (m *memRecorder) Record(ctx context.Context, a qf.Attempt) error {
	return m.RecordBatch(ctx, []qf.Attempt{a})
}

func (m *memRecorder) RecordBatch(_ context.Context, as []qf.Attempt) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches++
	m.attempts = append(m.attempts, as...)
	return nil
}

func (m *memRecorder) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

type plainRecorder struct{ n int }

func (p *plainRecorder) Record(context.Context, qf.Attempt) error { p.n++; return nil }

func attempt(outcome qf.AttemptOutcome) qf.Attempt {
	return qf.Attempt{
		ID:        "a1",
		RequestID: "r1",
		UserID:    "u1",
		Schema:    "npc",
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		Ordinal:   1,
		Outcome:   outcome,
		Usage:     qf.Usage{PromptTokens: 120, CompletionTokens: 80, TotalTokens: 200},
		Cost:      decimal.RequireFromString("0.000066"),
		Latency:   1500 * time.Millisecond,
		StartedAt: time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC),
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	rec := usage.NewLog(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, rec.Record(context.Background(), attempt(qf.OutcomeSuccess)))
	assert.Contains(t, buf.String(), "msg=attempt")
	assert.Contains(t, buf.String(), "prompt_tokens=120")

	buf.Reset()
	failed := attempt(qf.OutcomeTransportFailure)
	failed.Error = "questforge: transport failure: timeout"
	require.NoError(t, rec.Record(context.Background(), failed))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "outcome=transport_failure")
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &memRecorder{}
	bad := &memRecorder{err: errors.New("disk full")}

	err := usage.Multi{bad, ok}.Record(context.Background(), attempt(qf.OutcomeSuccess))
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, ok.len())
}

func TestRecordAll(t *testing.T) {
	batched := &memRecorder{}
	require.NoError(t, usage.RecordAll(context.Background(), batched,
		[]qf.Attempt{attempt(qf.OutcomeSuccess), attempt(qf.OutcomeSkipped)}))
	assert.Equal(t, 1, batched.batches)
	assert.Equal(t, 2, batched.len())

	plain := &plainRecorder{}
	require.NoError(t, usage.RecordAll(context.Background(), plain,
		[]qf.Attempt{attempt(qf.OutcomeSuccess), attempt(qf.OutcomeSkipped)}))
	assert.Equal(t, 2, plain.n)

	assert.NoError(t, usage.RecordAll(context.Background(), usage.Noop{}, nil))
}

func TestAsync_DrainsOnClose(t *testing.T) {
	next := &memRecorder{}
	a := usage.NewAsync(next, usage.WithMaxBatch(3), usage.WithFlushInterval(time.Hour))

	for i := 0; i < 7; i++ {
		require.NoError(t, a.Record(context.Background(), attempt(qf.OutcomeSuccess)))
	}
	require.NoError(t, a.Close(context.Background()))

	assert.Equal(t, 7, next.len())
	assert.Equal(t, 3, next.batches)
	assert.ErrorIs(t, a.Record(context.Background(), attempt(qf.OutcomeSuccess)), usage.ErrClosed)
}

func TestAsync_FlushInterval(t *testing.T) {
	next := &memRecorder{}
	a := usage.NewAsync(next, usage.WithFlushInterval(10*time.Millisecond))
	defer a.Close(context.Background())

	require.NoError(t, a.Record(context.Background(), attempt(qf.OutcomeSuccess)))
	assert.Eventually(t, func() bool { return next.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAsync_DropsWhenFull(t *testing.T) {
	next := &memRecorder{block: make(chan struct{})}
	a := usage.NewAsync(next, usage.WithBufferSize(1), usage.WithMaxBatch(1))

	// The worker takes the first attempt and blocks writing it.
	require.NoError(t, a.Record(context.Background(), attempt(qf.OutcomeSuccess)))
	require.Eventually(t, func() bool {
		return a.Record(context.Background(), attempt(qf.OutcomeSuccess)) == nil
	}, time.Second, time.Millisecond)

	err := a.Record(context.Background(), attempt(qf.OutcomeSuccess))
	assert.ErrorIs(t, err, usage.ErrBufferFull)
	assert.GreaterOrEqual(t, a.Dropped(), int64(1))

	close(next.block)
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 2, next.len())
}

func TestAsync_CountsFailures(t *testing.T) {
	next := &memRecorder{err: errors.New("down")}
	a := usage.NewAsync(next, usage.WithAsyncLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	require.NoError(t, a.Record(context.Background(), attempt(qf.OutcomeSuccess)))
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, int64(1), a.Failed())
}

func TestProm(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := usage.NewProm(reg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Record(ctx, attempt(qf.OutcomeSuccess)))
	require.NoError(t, p.Record(ctx, attempt(qf.OutcomeSuccess)))
	failed := attempt(qf.OutcomeSchemaViolation)
	failed.Usage = qf.Usage{}
	failed.Cost = decimal.Zero
	require.NoError(t, p.Record(ctx, failed))

	assert.Equal(t, 1, testutil.CollectAndCount(reg, "questforge_attempt_latency_seconds"))
	assert.Equal(t, 2, testutil.CollectAndCount(reg, "questforge_attempts_total"))
	assert.Equal(t, 2, testutil.CollectAndCount(reg, "questforge_tokens_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "questforge_cost_usd_total"))

	const want = `
# HELP questforge_tokens_total Tokens consumed by generation attempts
# TYPE questforge_tokens_total counter
questforge_tokens_total{model="gpt-4o-mini",provider="openai",type="completion"} 160
questforge_tokens_total{model="gpt-4o-mini",provider="openai",type="prompt"} 240
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), "questforge_tokens_total"))

	_, err = usage.NewProm(reg)
	assert.Error(t, err, "duplicate registration")
}
