// Package publish fans committed ledger events out to a message broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"github.com/yourorg/lpdp/internal/ledger"
)

// Writer is the subset of the segmentio kafka.Writer we need. This makes the
// publisher testable.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// KafkaPublisher implements ledger.Publisher. Messages are keyed by chain id
// so one chain always lands on one partition, in append order.
type KafkaPublisher struct {
	writer Writer
	source string
}

// NewKafkaPublisher writes to topic on the comma separated broker list.
func NewKafkaPublisher(brokers, topic, source string) *KafkaPublisher {
	addrs := strings.Split(brokers, ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}
	w := &skafka.Writer{
		Addr:         skafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		RequiredAcks: skafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewKafkaPublisherWithWriter(w, source)
}

// NewKafkaPublisherWithWriter allows injecting a test writer.
func NewKafkaPublisherWithWriter(w Writer, source string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, source: source}
}

// EventMessage is the message body published for every appended event.
type EventMessage struct {
	Type   string            `json:"type"`
	Source string            `json:"source"`
	Event  ledger.AuditEvent `json:"event"`
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev ledger.AuditEvent) error {
	body, err := json.Marshal(EventMessage{Type: "ledger.event.appended", Source: p.source, Event: ev})
	if err != nil {
		return fmt.Errorf("publish: marshal event: %w", err)
	}
	msg := skafka.Message{
		Key:   []byte(ev.ChainID),
		Value: body,
		Headers: []skafka.Header{
			{Key: "action", Value: []byte(ev.Action)},
			{Key: "content-hash", Value: []byte(ev.ContentHash)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish: write chain %s seq %d: %w", ev.ChainID, ev.Sequence, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
