package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jmehdipour/sagaflow/internal/kafka"
	"github.com/jmehdipour/sagaflow/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrPoison marks a message that can never be handled (undecodable, missing
// ids). The runner commits past it instead of retrying.
var ErrPoison = errors.New("poison message")

// Poison wraps err with ErrPoison.
func Poison(err error) error {
	return fmt.Errorf("%w: %w", ErrPoison, err)
}

// Fetcher is satisfied by *kafka.Consumer.
type Fetcher interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// HandlerFunc processes one message. A nil return commits the offset; any
// other error except ErrPoison is retried with backoff.
type HandlerFunc func(ctx context.Context, m kafka.Message) error

// Runner:
// - fetches messages from one topic,
// - fans them out to Workers processors by partition, so a partition (and
//   therefore a key) is handled serially and committed in order,
// - retries transient handler errors until they succeed or ctx ends.
type Runner struct {
	Name     string
	Consumer Fetcher
	Handle   HandlerFunc

	Workers      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Log          *zap.Logger
}

func NewRunner(name string, consumer Fetcher, handle HandlerFunc, workers int, waitMin, waitMax time.Duration, log *zap.Logger) *Runner {
	return &Runner{
		Name:         name,
		Consumer:     consumer,
		Handle:       handle,
		Workers:      workers,
		RetryWaitMin: waitMin,
		RetryWaitMax: waitMax,
		Log:          log,
	}
}

// Run blocks until ctx is cancelled and every processor has returned.
func (w *Runner) Run(ctx context.Context) error {
	if w.Consumer == nil || w.Handle == nil {
		return errors.New("worker: consumer and handler are required")
	}
	if w.Workers <= 0 {
		w.Workers = 8
	}
	if w.RetryWaitMin <= 0 {
		w.RetryWaitMin = 200 * time.Millisecond
	}
	if w.RetryWaitMax < w.RetryWaitMin {
		w.RetryWaitMax = 10 * time.Second
	}
	if w.Log == nil {
		w.Log = zap.NewNop()
	}
	log := w.Log.With(zap.String("consumer", w.Name))

	lanes := make([]chan kafka.Message, w.Workers)
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 16)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Fetcher goroutine
	g.Go(func() error {
		defer func() {
			for _, l := range lanes {
				close(l)
			}
		}()
		for {
			m, err := w.Consumer.Fetch(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			lane := lanes[m.Partition%w.Workers]
			select {
			case lane <- m:
			case <-gctx.Done():
				return nil
			}
		}
	})

	// Processors
	for _, lane := range lanes {
		g.Go(func() error {
			for m := range lane {
				if gctx.Err() != nil {
					continue // drain without handling
				}
				w.processOne(gctx, log, m)
			}
			return nil
		})
	}

	log.Info("consumer started", zap.Int("workers", w.Workers))
	err := g.Wait()
	log.Info("consumer stopped")
	return err
}

func (w *Runner) processOne(ctx context.Context, log *zap.Logger, m kafka.Message) {
	err := retry.Do(
		func() error { return w.Handle(ctx, m) },
		retry.Attempts(0),
		retry.Delay(w.RetryWaitMin),
		retry.MaxDelay(w.RetryWaitMax),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, ErrPoison) }),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			metrics.ConsumedTotal.WithLabelValues(w.Name, "retry").Inc()
			log.Warn("handler failed, retrying",
				zap.Uint("attempt", n+1), zap.String("topic", m.Topic),
				zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		}),
	)

	switch {
	case err == nil:
	case errors.Is(err, ErrPoison):
		metrics.ConsumedTotal.WithLabelValues(w.Name, "poison").Inc()
		log.Error("poison message skipped",
			zap.String("topic", m.Topic), zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset), zap.Error(err))
	default:
		// only reachable when ctx ended; leave uncommitted for redelivery
		return
	}

	if err := w.Consumer.Commit(ctx, m); err != nil && ctx.Err() == nil {
		log.Error("commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}
