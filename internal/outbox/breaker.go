package outbox

import (
	"sync"
	"time"
)

type breakerState int

const (
	closed breakerState = iota
	open
	halfOpen
)

func (s breakerState) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker stops the relay from hammering a broker that keeps failing. After
// threshold consecutive failures it opens for openFor, then lets one probe
// publish through. Records skipped while open keep their retry budget.
type Breaker struct {
	mu               sync.Mutex
	st               breakerState
	consecutiveFails int
	failThreshold    int
	openFor          time.Duration
	nextTryAt        time.Time
	probeInFlight    bool

	now      func() time.Time
	onChange func(open bool)
}

func NewBreaker(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 10 * time.Second
	}
	return &Breaker{failThreshold: threshold, openFor: openFor, now: time.Now}
}

// OnStateChange registers fn to be called whenever the breaker opens or closes.
func (b *Breaker) OnStateChange(fn func(open bool)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.String()
}

// TryAcquire reports whether a publish may be attempted now. In half-open
// state only one caller gets through until it reports back.
func (b *Breaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case open:
		if b.now().After(b.nextTryAt) && !b.probeInFlight {
			b.st = halfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case halfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	wasOpen := b.st != closed
	b.consecutiveFails = 0
	b.st = closed
	b.probeInFlight = false
	fn := b.onChange
	b.mu.Unlock()

	if wasOpen && fn != nil {
		fn(false)
	}
}

func (b *Breaker) OnFailure() {
	b.mu.Lock()
	opened := false
	if b.st == halfOpen {
		b.st = open
		b.nextTryAt = b.now().Add(b.openFor)
		b.probeInFlight = false
	} else {
		b.consecutiveFails++
		if b.st == closed && b.consecutiveFails >= b.failThreshold {
			b.st = open
			b.nextTryAt = b.now().Add(b.openFor)
			opened = true
		}
	}
	fn := b.onChange
	b.mu.Unlock()

	if opened && fn != nil {
		fn(true)
	}
}
