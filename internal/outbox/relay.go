package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jmehdipour/sagaflow/internal/kafka"
	"github.com/jmehdipour/sagaflow/internal/metrics"
	"github.com/jmehdipour/sagaflow/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the relay's view of the outbox table.
type Store interface {
	FetchPending(ctx context.Context, now time.Time, limit int) ([]model.OutboxRecord, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, retryCount int, reason string, next time.Time) error
	MarkFailed(ctx context.Context, id string, retryCount int, reason string) error
}

// Publisher is satisfied by kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, rec kafka.Record) error
}

type RelayConfig struct {
	BatchSize      int
	Workers        int
	PollInterval   time.Duration
	PublishTimeout time.Duration
	MaxRetries     int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

func (c *RelayConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = c.BackoffMin
	}
}

// Stats summarises one relay pass.
type Stats struct {
	Fetched      int
	Sent         int
	Retried      int
	DeadLettered int
	Blocked      int // held back behind an earlier row of the same aggregate
	Deferred     int // breaker open, left untouched
}

func (s *Stats) add(o Stats) {
	s.Fetched += o.Fetched
	s.Sent += o.Sent
	s.Retried += o.Retried
	s.DeadLettered += o.DeadLettered
	s.Blocked += o.Blocked
	s.Deferred += o.Deferred
}

// Relay drains pending outbox rows to the broker. Rows are split by aggregate
// id across Workers goroutines; inside a partition rows go out one at a time
// in seq order, and a row that cannot be sent blocks every later
// row of its aggregate until it succeeds or is dead-lettered.
type Relay struct {
	store   Store
	pub     Publisher
	breaker *Breaker
	cfg     RelayConfig
	log     *zap.Logger
	now     func() time.Time
}

func NewRelay(store Store, pub Publisher, breaker *Breaker, cfg RelayConfig, log *zap.Logger) *Relay {
	cfg.defaults()
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{store: store, pub: pub, breaker: breaker, cfg: cfg, log: log, now: time.Now}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another pass instead of waiting for the next tick.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("outbox relay started",
		zap.Int("workers", r.cfg.Workers), zap.Int("batch", r.cfg.BatchSize))

	tick := time.NewTicker(r.cfg.PollInterval)
	defer tick.Stop()

	for {
		st, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("relay pass failed", zap.Error(err))
		} else if st.Fetched > 0 {
			r.log.Debug("relay pass",
				zap.Int("fetched", st.Fetched), zap.Int("sent", st.Sent),
				zap.Int("retried", st.Retried), zap.Int("dead", st.DeadLettered),
				zap.Int("blocked", st.Blocked), zap.Int("deferred", st.Deferred))
		}

		if err == nil && st.Fetched == r.cfg.BatchSize && st.Sent > 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-tick.C:
		}
	}
}

// RunOnce performs a single fetch-and-publish pass.
func (r *Relay) RunOnce(ctx context.Context) (Stats, error) {
	now := r.now().UTC()
	rows, err := r.store.FetchPending(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("fetch pending: %w", err)
	}
	total := Stats{Fetched: len(rows)}
	if len(rows) == 0 {
		return total, nil
	}

	parts := partition(rows, r.cfg.Workers)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		g.Go(func() error {
			st, err := r.drain(gctx, part, now)
			mu.Lock()
			total.add(st)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	return total, err
}

// drain publishes one partition serially.
func (r *Relay) drain(ctx context.Context, rows []model.OutboxRecord, now time.Time) (Stats, error) {
	var st Stats
	blocked := make(map[string]bool)

	for i, rec := range rows {
		if blocked[rec.AggregateID] {
			st.Blocked++
			continue
		}
		if rec.NextAttemptAt.After(now) {
			blocked[rec.AggregateID] = true
			st.Blocked++
			continue
		}
		if !r.breaker.TryAcquire() {
			st.Deferred += len(rows) - i
			return st, nil
		}

		pubErr := r.publish(ctx, rec)
		if pubErr == nil {
			r.breaker.OnSuccess()
			sentAt := r.now().UTC()
			if err := r.store.MarkSent(ctx, rec.ID, sentAt); err != nil {
				// already on the broker; the next pass republishes it and
				// consumers drop the duplicate by event id
				return st, fmt.Errorf("mark sent %s: %w", rec.ID, err)
			}
			st.Sent++
			metrics.OutboxPublishedTotal.WithLabelValues(rec.Topic).Inc()
			metrics.OutboxRelayLag.Observe(sentAt.Sub(rec.CreatedAt).Seconds())
			continue
		}

		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		r.breaker.OnFailure()

		attempts := rec.RetryCount + 1
		reason := pubErr.Error()
		if attempts >= r.cfg.MaxRetries {
			if err := r.store.MarkFailed(ctx, rec.ID, attempts, reason); err != nil {
				return st, fmt.Errorf("mark failed %s: %w", rec.ID, err)
			}
			st.DeadLettered++
			metrics.OutboxPublishFailuresTotal.WithLabelValues(rec.Topic, "dead").Inc()
			r.log.Error("outbox record dead-lettered",
				zap.String("id", rec.ID), zap.String("topic", rec.Topic),
				zap.String("aggregate_id", rec.AggregateID), zap.Int("attempts", attempts),
				zap.String("reason", reason))
			continue
		}

		next := r.now().UTC().Add(Backoff(attempts, r.cfg.BackoffMin, r.cfg.BackoffMax))
		if err := r.store.MarkRetry(ctx, rec.ID, attempts, reason, next); err != nil {
			return st, fmt.Errorf("mark retry %s: %w", rec.ID, err)
		}
		blocked[rec.AggregateID] = true
		st.Retried++
		metrics.OutboxPublishFailuresTotal.WithLabelValues(rec.Topic, "retry").Inc()
		r.log.Warn("outbox publish failed",
			zap.String("id", rec.ID), zap.String("topic", rec.Topic),
			zap.Int("attempt", attempts), zap.Time("next_attempt_at", next), zap.Error(pubErr))
	}
	return st, nil
}

func (r *Relay) publish(ctx context.Context, rec model.OutboxRecord) error {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	err := r.pub.Publish(pctx, kafka.Record{
		Topic:         rec.Topic,
		Key:           rec.AggregateID,
		ID:            rec.ID,
		Type:          rec.EventType,
		AggregateType: rec.AggregateType,
		Value:         rec.Payload,
	})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("publish timed out after %s", r.cfg.PublishTimeout)
	}
	return err
}

// partition splits rows into n buckets by aggregate id, keeping input order
// inside each bucket.
func partition(rows []model.OutboxRecord, n int) [][]model.OutboxRecord {
	if n <= 1 {
		return [][]model.OutboxRecord{rows}
	}
	parts := make([][]model.OutboxRecord, n)
	for _, rec := range rows {
		i := xxhash.Sum64String(rec.AggregateID) % uint64(n)
		parts[i] = append(parts[i], rec)
	}
	return parts
}

// Backoff returns min * 2^(attempt-1), capped at max.
func Backoff(attempt int, min, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
