package events

import (
	"sync"
	"time"

	"github.com/campusfund/creditledger/internal/clock"
)

// BreakerState is the current circuit state for the event publisher.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the publish circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMax caps concurrent probes while half-open.
	HalfOpenMax int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// Breaker keeps publish failures from stalling request handling. The
// ledger commit already happened by the time an event is published, so
// the only sane reaction to a dead broker is to stop talking to it for
// a while.
type Breaker struct {
	mu sync.Mutex

	cfg   BreakerConfig
	clock clock.Clock

	state            BreakerState
	failures         int
	openedAt         time.Time
	halfOpenInFlight int
}

func NewBreaker(cfg BreakerConfig, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Breaker{
		cfg:   cfg.withDefaults(),
		clock: clk,
		state: BreakerClosed,
	}
}

// Allow reports whether a publish attempt may proceed. While half-open
// it admits at most HalfOpenMax probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.clock.Now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.state = BreakerHalfOpen
		b.halfOpenInFlight = 0
	}

	if b.state == BreakerHalfOpen {
		if b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return false
		}
		b.halfOpenInFlight++
		return true
	}

	return true
}

// MarkSuccess records a successful publish. A half-open probe success
// closes the circuit.
func (b *Breaker) MarkSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerClosed
		b.failures = 0
		b.halfOpenInFlight = 0
	case BreakerClosed:
		b.failures = 0
	}
}

// MarkFailure records a failed publish. Threshold failures while closed,
// or any half-open probe failure, open the circuit.
func (b *Breaker) MarkFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.trip()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.clock.Now()
	b.failures = 0
	b.halfOpenInFlight = 0
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
