package outbox

import (
	"context"
	"time"

	"github.com/jmehdipour/sagaflow/internal/metrics"
	"go.uber.org/zap"
)

type Purger interface {
	PurgeSent(ctx context.Context, before time.Time, limit int) (int64, error)
}

// Retention deletes sent rows older than Keep. Pending and failed rows are
// never touched.
type Retention struct {
	store    Purger
	keep     time.Duration
	interval time.Duration
	batch    int
	log      *zap.Logger
	now      func() time.Time
}

func NewRetention(store Purger, keep, interval time.Duration, batch int, log *zap.Logger) *Retention {
	if interval <= 0 {
		interval = time.Hour
	}
	if batch <= 0 {
		batch = 1000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Retention{store: store, keep: keep, interval: interval, batch: batch, log: log, now: time.Now}
}

// RunOnce purges in batches until a short batch comes back.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	if r.keep <= 0 {
		return 0, nil
	}
	cutoff := r.now().UTC().Add(-r.keep)

	var total int64
	for {
		n, err := r.store.PurgeSent(ctx, cutoff, r.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(r.batch) || ctx.Err() != nil {
			break
		}
	}
	metrics.OutboxPurgedTotal.Add(float64(total))
	return total, nil
}

func (r *Retention) Run(ctx context.Context) error {
	tick := time.NewTicker(r.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			n, err := r.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Error("outbox purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.log.Info("outbox purged", zap.Int64("rows", n))
			}
		}
	}
}
