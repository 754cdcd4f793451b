// Package circuit implements the sliding-window circuit breaker that gates
// backend restarts after repeated fast failures.
package circuit

import (
	"sync"
	"time"
)

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
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker parameters.
type Config struct {
	FailureThreshold int           // failures within Window that trip the breaker
	Window           time.Duration // sliding window for failure counting
	RecoveryTime     time.Duration // open -> half_open cooldown
	SuccessThreshold int           // consecutive half_open successes to close
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		RecoveryTime:     30 * time.Second,
		SuccessThreshold: 1,
	}
}

// Breaker is a three-state sliding-window circuit breaker. RecordSuccess and
// RecordFailure are the only state-changing inputs; CanExecute is a read that
// may promote open -> half_open once the recovery time has elapsed.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state     State
	failures  []time.Time // failure timestamps within the window
	openedAt  time.Time
	successes int // consecutive successes while half_open

	now func() time.Time // test hook
}

func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// CanExecute reports whether an attempt may proceed. In the open state it
// returns false until RecoveryTime has elapsed, at which point the breaker
// moves to half_open and allows the attempt.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTime {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	}
	return false
}

// RecordSuccess observes a successful execution.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = nil
			b.successes = 0
		}
	case StateClosed:
		b.failures = nil
	}
}

// RecordFailure observes a failed execution. In the closed state failures
// are counted within the sliding window; in half_open any failure reopens
// the breaker and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
			b.failures = nil
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.successes = 0
	case StateOpen:
		// Already open; nothing to count.
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot describes the breaker for telemetry. Included on process exit
// events only when the breaker is not closed.
type Snapshot struct {
	State             string        `json:"state"`
	RecentFailures    int           `json:"recent_failures"`
	RecoveryRemaining time.Duration `json:"recovery_remaining,omitempty"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{State: b.state.String(), RecentFailures: len(b.failures)}
	if b.state == StateOpen {
		remaining := b.cfg.RecoveryTime - b.now().Sub(b.openedAt)
		if remaining > 0 {
			snap.RecoveryRemaining = remaining
		}
	}
	return snap
}

func (b *Breaker) pruneLocked(now time.Time) {
	if b.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}
