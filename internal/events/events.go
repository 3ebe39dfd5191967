// Package events publishes custody events (deposits, releases, settlements)
// to a Kafka topic for downstream consumers. Publishing is best-effort fire
// and forget from the instruction path; a nil Publisher disables it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event types emitted by the engine.
const (
	TypeDeposit    = "deposit"
	TypeWithdraw   = "withdraw_queued"
	TypeRelease    = "release"
	TypeSettlement = "settlement"
	TypeCollateral = "collateral"
)

// Event is the JSON payload published for every custody state change.
type Event struct {
	Type      string    `json:"type"`
	Client    string    `json:"client,omitempty"`
	Mint      string    `json:"mint,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	BackendID uint64    `json:"backend_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes custody events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Publish writes one event, keyed by client so per-client ordering holds
// within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Client),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Emit publishes on a best-effort basis and logs failures instead of
// propagating them into the instruction path. A nil publisher is a no-op.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := p.Publish(ctx, e); err != nil {
		slog.Warn("event publish failed", "type", e.Type, "err", err)
	}
}
