// Package resilience guards calls to slow external collaborators, currently
// the question-generation service.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker is rejecting calls outright.
var ErrOpen = errors.New("breaker is open")

// State of a Breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker.
type Config struct {
	// FailureThreshold is how many consecutive failures trip the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
	// ProbeLimit caps concurrent probe calls while half-open.
	ProbeLimit int
	// SuccessThreshold is how many probe successes close the breaker.
	SuccessThreshold int
}

// DefaultConfig suits a 10s-timeout HTTP dependency.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		ProbeLimit:       2,
		SuccessThreshold: 2,
	}
}

// Breaker is a standard three-state circuit breaker. It fails fast while
// open, lets a bounded number of probes through after the cooldown, and
// closes again once enough probes succeed.
type Breaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

func NewBreaker(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// State returns the effective state, accounting for an elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn under breaker protection. The context is passed through so the
// protected call honors cancellation; the breaker itself never blocks.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateClosed:
		return nil
	case StateOpen:
		return ErrOpen
	default:
		if b.state == StateOpen {
			// First probe after cooldown; commit the half-open transition.
			b.state = StateHalfOpen
			b.probes = 0
			b.successes = 0
		}
		if b.probes >= b.cfg.ProbeLimit {
			return ErrOpen
		}
		b.probes++
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		b.openedAt = time.Now()
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.probes = 0
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.probes = 0
		}
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probes = 0
}
