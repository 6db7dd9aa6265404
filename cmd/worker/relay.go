package worker

import (
	"fmt"
	"time"

	"github.com/jmehdipour/sagaflow/internal/kafka"
	"github.com/jmehdipour/sagaflow/internal/metrics"
	"github.com/jmehdipour/sagaflow/internal/outbox"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish pending outbox rows to Kafka and purge sent ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := setup(cmd, "relay")
		if err != nil {
			return err
		}
		defer cleanup()
		rc := e.cfg.Relay

		producer, err := kafka.NewProducer(e.cfg.Kafka.Producer, kafka.ProducerConfig{
			Brokers:        e.cfg.Kafka.Brokers,
			WriteTimeout:   e.cfg.Kafka.WriteTimeout,
			PublishTimeout: rc.PublishTimeout,
		})
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer func() { _ = producer.Close() }()

		breaker := outbox.NewBreaker(rc.Breaker.FailThreshold, time.Duration(rc.Breaker.OpenForMs)*time.Millisecond)
		breaker.OnStateChange(func(open bool) {
			if open {
				metrics.BreakerOpen.Set(1)
				e.log.Warn("publish breaker opened")
				return
			}
			metrics.BreakerOpen.Set(0)
			e.log.Info("publish breaker closed")
		})

		repo := repository.NewOutboxRepository(e.db)
		relay := outbox.NewRelay(repo, producer, breaker, outbox.RelayConfig{
			BatchSize:      rc.BatchSize,
			Workers:        rc.Workers,
			PollInterval:   rc.PollInterval,
			PublishTimeout: rc.PublishTimeout,
			MaxRetries:     rc.MaxRetries,
			BackoffMin:     rc.BackoffMin,
			BackoffMax:     rc.BackoffMax,
		}, e.log)
		retention := outbox.NewRetention(repo, rc.Retention, rc.PurgeInterval, rc.PurgeBatch, e.log)

		ctx, stop := signalContext()
		defer stop()

		e.log.Info("relay starting",
			zap.String("producer", e.cfg.Kafka.Producer), zap.Int("workers", rc.Workers), zap.Int("max_retries", rc.MaxRetries))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return relay.Run(gctx) })
		g.Go(func() error { return retention.Run(gctx) })
		g.Go(func() error { return e.serveMetrics(gctx) })
		return g.Wait()
	},
}
