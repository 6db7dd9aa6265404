package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// Header keys stamped on every relayed message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
)

var ErrNoBrokers = errors.New("kafka: no brokers configured")

// Record is one message handed to a Producer. Key selects the partition, so
// records sharing a key keep their relative order.
type Record struct {
	Topic         string
	Key           string
	ID            string
	Type          string
	AggregateType string
	Value         []byte
}

func (r Record) headers() map[string]string {
	return map[string]string{
		HeaderEventID:       r.ID,
		HeaderEventType:     r.Type,
		HeaderAggregateType: r.AggregateType,
	}
}

// Producer publishes a record and returns once the broker acknowledged it.
type Producer interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

type ProducerConfig struct {
	Brokers      []string
	WriteTimeout time.Duration
	// PublishTimeout bounds one Publish; sarama has no per-call context, so
	// its broker timeouts are derived from it.
	PublishTimeout time.Duration
}

// Writer is the segmentio/kafka-go Producer. The hash balancer keeps
// per-key ordering; RequireAll waits for the full ISR.
type Writer struct {
	w *kafka.Writer
}

func NewWriter(c ProducerConfig) (*Writer, error) {
	if len(c.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	return &Writer{w: &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           5 * time.Millisecond,
		WriteTimeout:           wt,
		MaxAttempts:            1, // the relay owns retries
	}}, nil
}

func (w *Writer) Publish(ctx context.Context, rec Record) error {
	hs := make([]kafka.Header, 0, 3)
	for k, v := range rec.headers() {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}
	return w.w.WriteMessages(ctx, kafka.Message{
		Topic:   rec.Topic,
		Key:     []byte(rec.Key),
		Value:   rec.Value,
		Headers: hs,
	})
}

func (w *Writer) Close() error { return w.w.Close() }
