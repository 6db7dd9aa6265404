package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/sagaflow/internal/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type chanFetcher struct {
	in chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
}

func newFetcher(msgs ...kafka.Message) *chanFetcher {
	f := &chanFetcher{in: make(chan kafka.Message, len(msgs)+1)}
	for _, m := range msgs {
		f.in <- m
	}
	return f
}

func (f *chanFetcher) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-f.in:
		return m, nil
	}
}

func (f *chanFetcher) Commit(_ context.Context, m kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, m)
	return nil
}

func (f *chanFetcher) offsets(partition int) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for _, m := range f.committed {
		if m.Partition == partition {
			out = append(out, m.Offset)
		}
	}
	return out
}

func (f *chanFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

func msg(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "t", Partition: partition, Offset: offset}
}

func start(t *testing.T, r *Runner) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not stop")
		}
	}
}

func TestRunner_CommitsEachPartitionInOrder(t *testing.T) {
	var msgs []kafka.Message
	for off := int64(0); off < 20; off++ {
		msgs = append(msgs, msg(int(off%3), off))
	}
	f := newFetcher(msgs...)

	var mu sync.Mutex
	seen := map[int][]int64{}
	r := NewRunner("test", f, func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		seen[m.Partition] = append(seen[m.Partition], m.Offset)
		mu.Unlock()
		return nil
	}, 2, time.Millisecond, 5*time.Millisecond, nil)

	stop := start(t, r)
	require.Eventually(t, func() bool { return f.count() == 20 }, time.Second, 5*time.Millisecond)
	stop()

	for p := 0; p < 3; p++ {
		offs := f.offsets(p)
		assert.IsIncreasing(t, offs, "partition %d", p)
		mu.Lock()
		assert.Equal(t, offs, seen[p])
		mu.Unlock()
	}
}

func TestRunner_RetriesTransientErrors(t *testing.T) {
	f := newFetcher(msg(0, 7))

	var mu sync.Mutex
	calls := 0
	r := NewRunner("test", f, func(context.Context, kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("deadlock found when trying to get lock")
		}
		return nil
	}, 1, time.Millisecond, 2*time.Millisecond, nil)

	stop := start(t, r)
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestRunner_SkipsPoisonMessages(t *testing.T) {
	f := newFetcher(msg(0, 1), msg(0, 2))

	var mu sync.Mutex
	calls := 0
	r := NewRunner("test", f, func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		if m.Offset == 1 {
			return Poison(errors.New("bad json"))
		}
		return nil
	}, 1, time.Millisecond, 2*time.Millisecond, nil)

	stop := start(t, r)
	require.Eventually(t, func() bool { return f.count() == 2 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int64{1, 2}, f.offsets(0))
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestRunner_ShutdownLeavesFailingMessageUncommitted(t *testing.T) {
	f := newFetcher(msg(0, 1))

	attempted := make(chan struct{}, 1)
	r := NewRunner("test", f, func(context.Context, kafka.Message) error {
		select {
		case attempted <- struct{}{}:
		default:
		}
		return errors.New("db down")
	}, 1, time.Millisecond, 2*time.Millisecond, nil)

	stop := start(t, r)
	<-attempted
	stop()

	assert.Zero(t, f.count())
}

func TestPoison_IsDetectable(t *testing.T) {
	err := Poison(errors.New("missing event id"))
	assert.ErrorIs(t, err, ErrPoison)
	assert.Contains(t, err.Error(), "missing event id")
}
