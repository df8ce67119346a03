// Package breaker implements the admission-control circuit breaker wrapped
// around every provider backend. Each provider gets its own independent
// instance; state transitions are driven only by call outcomes and elapsed
// time, never by external mutation except an explicit Reset.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrOpen is returned by Execute when the breaker refuses admission. The
// wrapped function is never invoked in that case.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker's admission state.
type State string

const (
	// StateClosed admits all calls.
	StateClosed State = "closed"

	// StateOpen fast-fails all calls until the recovery timeout elapses.
	StateOpen State = "open"

	// StateHalfOpen admits probe calls while testing recovery.
	StateHalfOpen State = "half-open"
)

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is how many consecutive failures open the breaker.
	FailureThreshold int

	// SuccessThreshold is how many consecutive half-open successes close it.
	SuccessThreshold int

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the stock breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker is a thread-safe circuit breaker.
type Breaker struct {
	mu sync.Mutex

	name string
	cfg  Config

	state            State
	failures         int
	halfOpenSuccess  int
	lastTransitionAt time.Time
}

// New creates a closed breaker. name appears in logs only.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Breaker{
		name:             name,
		cfg:              cfg,
		state:            StateClosed,
		lastTransitionAt: time.Now(),
	}
}

// Execute runs fn under admission control. While open it returns ErrOpen
// without invoking fn. Any error from fn counts as a breaker failure even if
// the caller later decides to retry the request.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return nil
}

// allow checks admission and performs the open -> half-open transition when
// the recovery timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.lastTransitionAt) < b.cfg.RecoveryTimeout {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// Any failure while probing reopens immediately.
		b.transition(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// transition moves the breaker to a new state. Caller must hold b.mu.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	log.Warnf("Circuit breaker %s: %s -> %s", b.name, b.state, next)

	b.state = next
	b.lastTransitionAt = time.Now()
	b.failures = 0
	b.halfOpenSuccess = 0
}

// State returns the current admission state. Reading performs the same
// time-based open -> half-open promotion Execute would, so the value reflects
// what the next call will observe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastTransitionAt) >= b.cfg.RecoveryTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// Reset forces the breaker closed with zero counters. Used for
// operator-triggered recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	log.Infof("Circuit breaker %s: manual reset to closed", b.name)
	b.state = StateClosed
	b.failures = 0
	b.halfOpenSuccess = 0
	b.lastTransitionAt = time.Now()
}

// Counters returns the consecutive failure and half-open success counters,
// for diagnostics.
func (b *Breaker) Counters() (failures, halfOpenSuccesses int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.halfOpenSuccess
}
