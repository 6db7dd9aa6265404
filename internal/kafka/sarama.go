package kafka

import (
	"context"

	"github.com/IBM/sarama"
)

// SaramaProducer is the IBM/sarama alternative to Writer, selected with
// kafka.producer=sarama.
type SaramaProducer struct {
	p sarama.SyncProducer
}

func NewSaramaProducer(c ProducerConfig) (*SaramaProducer, error) {
	if len(c.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	p, err := sarama.NewSyncProducer(c.Brokers, saramaConfig(c))
	if err != nil {
		return nil, err
	}
	return &SaramaProducer{p: p}, nil
}

func saramaConfig(c ProducerConfig) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Retry.Max = 0 // the relay owns retries

	timeout := c.WriteTimeout
	if c.PublishTimeout > 0 && (timeout <= 0 || c.PublishTimeout < timeout) {
		timeout = c.PublishTimeout
	}
	if timeout > 0 {
		cfg.Producer.Timeout = timeout
		cfg.Net.DialTimeout = timeout
		cfg.Net.ReadTimeout = timeout
		cfg.Net.WriteTimeout = timeout
	}
	return cfg
}

func newSaramaMessage(rec Record) *sarama.ProducerMessage {
	hs := make([]sarama.RecordHeader, 0, 3)
	for k, v := range rec.headers() {
		hs = append(hs, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return &sarama.ProducerMessage{
		Topic:   rec.Topic,
		Key:     sarama.StringEncoder(rec.Key),
		Value:   sarama.ByteEncoder(rec.Value),
		Headers: hs,
	}
}

// Publish blocks until the broker acks or ctx ends. SyncProducer takes no
// context, so a send abandoned on ctx finishes in the background within the
// broker timeouts and its outcome is dropped; the relay retries the row.
func (s *SaramaProducer) Publish(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, _, err := s.p.SendMessage(newSaramaMessage(rec))
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SaramaProducer) Close() error { return s.p.Close() }

// NewProducer picks the client library by name ("segmentio" or "sarama").
func NewProducer(kind string, c ProducerConfig) (Producer, error) {
	if kind == "sarama" {
		return NewSaramaProducer(c)
	}
	return NewWriter(c)
}
