package supervisor

import "sync"

// BreakerState is the circuit-breaker position for automatic restarts.
type BreakerState string

const (
	// BreakerClosed allows automatic restarts.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen stops automatic restarts until explicit user action.
	BreakerOpen BreakerState = "open"
)

// Breaker counts consecutive worker failures and opens once the cap is
// exceeded, so a crash loop cannot pin the CPU or look stuck forever.
type Breaker struct {
	mu          sync.Mutex
	maxFailures int
	consecutive int
	state       BreakerState
}

func NewBreaker(maxFailures int) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &Breaker{maxFailures: maxFailures, state: BreakerClosed}
}

// Allow reports whether an automatic restart attempt is permitted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BreakerClosed
}

// RecordFailure registers one consecutive failure and reports whether this
// failure opened the circuit.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		return false
	}
	b.consecutive++
	if b.consecutive >= b.maxFailures {
		b.state = BreakerOpen
		return true
	}
	return false
}

// Reset closes the circuit and zeroes the consecutive count. Called after
// a sustained healthy period, or on explicit user restart.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.state = BreakerClosed
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
