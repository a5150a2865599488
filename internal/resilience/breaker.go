// Package resilience guards calls against a backend that keeps failing.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open). The
// liveness channels run every subscribe attempt through one so that a dead
// backend is probed at the breaker's pace instead of on every backoff tick.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 1.
	HalfOpenMax int

	// Now overrides the clock. Tests only.
	Now func() time.Time

	// OnStateChange, when set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// NewBreaker creates a [Breaker]. Zero-value fields get defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open. While half-open only
// HalfOpenMax probes may be in flight at once.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	var changed []transition
	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		changed = append(changed, b.setLocked(StateHalfOpen))
		b.probes, b.successes = 0, 0
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMax {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()
	b.notify(changed)

	err := fn()

	b.mu.Lock()
	changed = changed[:0]
	if err != nil {
		if t, ok := b.failLocked(probing); ok {
			changed = append(changed, t)
		}
	} else if t, ok := b.succeedLocked(probing); ok {
		changed = append(changed, t)
	}
	b.mu.Unlock()
	b.notify(changed)
	return err
}

func (b *Breaker) failLocked(probing bool) (transition, bool) {
	if probing {
		b.openedAt = b.cfg.Now()
		return b.setLocked(StateOpen), true
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
		b.openedAt = b.cfg.Now()
		return b.setLocked(StateOpen), true
	}
	return transition{}, false
}

func (b *Breaker) succeedLocked(probing bool) (transition, bool) {
	if !probing {
		b.failures = 0
		return transition{}, false
	}
	b.probes--
	b.successes++
	if b.state == StateHalfOpen && b.successes >= b.cfg.HalfOpenMax {
		b.failures = 0
		return b.setLocked(StateClosed), true
	}
	return transition{}, false
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// RetryIn returns how long until an open breaker admits a probe. It is zero
// when calls are currently allowed.
func (b *Breaker) RetryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	d := b.cfg.ResetTimeout - b.cfg.Now().Sub(b.openedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setLocked(StateClosed)
	b.failures, b.probes, b.successes = 0, 0, 0
	b.mu.Unlock()
	b.notify([]transition{t})
}

type transition struct{ from, to State }

func (b *Breaker) setLocked(to State) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	return t
}

func (b *Breaker) notify(ts []transition) {
	for _, t := range ts {
		if t.from == t.to {
			continue
		}
		level := slog.LevelInfo
		if t.to == StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "circuit breaker state change",
			"name", b.cfg.Name, "from", t.from.String(), "to", t.to.String())
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
		}
	}
}
