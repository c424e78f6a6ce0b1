// Package brokerevents publishes a best-effort audit trail of routing-
// relevant state transitions (shard registered/dropped, request dispatched,
// response delivered, fan-out settled) to Kafka. It is strictly an
// observability add-on: the broker's routing path never waits on it, and a
// produce failure is logged and discarded, never surfaced to a worker or
// requester. Configured off, Publisher is a no-op (see NewNoop).
package brokerevents

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Kind identifies the routing transition an Event describes.
type Kind string

const (
	KindShardRegistered Kind = "shard_registered"
	KindShardDropped    Kind = "shard_dropped"
	KindDispatched      Kind = "dispatched"
	KindDelivered       Kind = "delivered"
	KindFanoutSettled   Kind = "fanout_settled"
	KindOrphanResponse  Kind = "orphan_response"
)

// Event is one JSON-encoded audit record.
type Event struct {
	Kind      Kind      `json:"kind"`
	BotID     string    `json:"bot_id,omitempty"`
	ShardID   string    `json:"shard_id,omitempty"`
	UUID      string    `json:"uuid,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits Events. Publish never blocks the caller on network I/O
// beyond handing the record to the underlying producer's async buffer.
type Publisher interface {
	Publish(e Event)
	Close()
}

// noopPublisher is used when no Kafka brokers are configured.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
func (noopPublisher) Close()        {}

// NewNoop returns a Publisher that discards every event.
func NewNoop() Publisher { return noopPublisher{} }

// kafkaPublisher produces Events onto a single topic with franz-go.
type kafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// New creates a Kafka-backed Publisher. If brokers is empty, it returns a
// no-op Publisher instead of an error, so callers can wire this
// unconditionally from configuration.
func New(brokers []string, topic string) (Publisher, error) {
	if len(brokers) == 0 {
		return NewNoop(), nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, err
	}
	return &kafkaPublisher{client: client, topic: topic}, nil
}

// Publish asynchronously produces e to the configured topic. Errors are
// logged by the produce callback and otherwise swallowed.
func (p *kafkaPublisher) Publish(e Event) {
	e.Timestamp = time.Now()
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[AUDIT] failed to marshal event %s: %v", e.Kind, err)
		return
	}
	record := &kgo.Record{Topic: p.topic, Value: data}
	p.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			log.Printf("[AUDIT] produce failed for event %s: %v", e.Kind, err)
		}
	})
}

// Close flushes and releases the underlying Kafka client.
func (p *kafkaPublisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
