package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qf "github.com/ineyio/questforge"
	kafkasink "github.com/ineyio/questforge/usage/kafka"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisher_Record(t *testing.T) {
	w := &fakeWriter{}
	p := kafkasink.New(w)

	a := qf.Attempt{
		ID:        "a1",
		RequestID: "req-42",
		UserID:    "u1",
		Schema:    "item",
		Provider:  "anthropic",
		Model:     "claude-haiku",
		Ordinal:   2,
		Outcome:   qf.OutcomeMalformedEncoding,
		Error:     "questforge: malformed encoding",
		Cost:      decimal.RequireFromString("0.002"),
		StartedAt: time.Date(2026, time.October, 18, 9, 30, 0, 0, time.UTC),
	}
	require.NoError(t, p.Record(context.Background(), a))

	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, "req-42", string(m.Key))
	assert.Equal(t, "malformed_encoding", string(m.Headers[0].Value))

	var got map[string]any
	require.NoError(t, json.Unmarshal(m.Value, &got))
	assert.Equal(t, "anthropic", got["provider"])
	assert.Equal(t, "0.002", got["cost"])
	assert.Equal(t, float64(2), got["ordinal"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublisher_WriteError(t *testing.T) {
	p := kafkasink.New(&fakeWriter{err: errors.New("leader not available")})
	err := p.RecordBatch(context.Background(), []qf.Attempt{{ID: "a1"}, {ID: "a2"}})
	assert.ErrorContains(t, err, "write 2 messages")
}

func TestNewWriter(t *testing.T) {
	w := kafkasink.NewWriter("k1:9092,k2:9092", "")
	assert.Equal(t, kafkasink.DefaultTopic, w.Topic)
}
