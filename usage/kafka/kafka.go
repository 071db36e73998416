// Package kafka publishes generation attempts as JSON messages keyed by
// request id, so every attempt of one request lands on the same partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	qf "github.com/ineyio/questforge"
	"github.com/ineyio/questforge/usage"
)

// DefaultTopic is the topic attempts are published to.
const DefaultTopic = "questforge.attempts"

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a Kafka attempt sink.
type Publisher struct {
	w MessageWriter
}

var _ usage.BatchRecorder = (*Publisher)(nil)

// NewWriter creates a synchronous writer for topic on the given brokers
// (comma-separated host:port list).
func NewWriter(brokers, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// New creates a Publisher on w.
func New(w MessageWriter) *Publisher {
	return &Publisher{w: w}
}

func message(a qf.Attempt) (kafka.Message, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("questforge/kafka: marshal attempt %s: %w", a.ID, err)
	}
	return kafka.Message{
		Key:   []byte(a.RequestID),
		Value: data,
		Time:  a.StartedAt,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(a.Outcome)},
		},
	}, nil
}

// Record publishes one attempt.
func (p *Publisher) Record(ctx context.Context, a qf.Attempt) error {
	return p.RecordBatch(ctx, []qf.Attempt{a})
}

// RecordBatch publishes attempts in one write.
func (p *Publisher) RecordBatch(ctx context.Context, attempts []qf.Attempt) error {
	if len(attempts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(attempts))
	for _, a := range attempts {
		m, err := message(a)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("questforge/kafka: write %d messages: %w", len(msgs), err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}
