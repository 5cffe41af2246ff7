// Package circuitbreaker stops repeated connection attempts against private
// databases that keep failing.
//
// A breaker opens after FailureThreshold consecutive failures, rejects
// attempts for OpenDuration, then lets HalfOpenProbes attempts through. Any
// probe failure reopens it; enough probe successes close it.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Attempts pass through
	StateOpen                  // Attempts are rejected
	StateHalfOpen              // Limited probe attempts are allowed
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

// Config holds the circuit breaker configuration. A zero FailureThreshold or
// OpenDuration disables breaking.
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenProbes   int
}

// Enabled reports whether cfg describes a working breaker.
func (c Config) Enabled() bool {
	return c.FailureThreshold > 0 && c.OpenDuration > 0
}

// Breaker guards attempts against one resource.
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	now            func() time.Time
	state          State
	failures       int // consecutive failures while closed
	openedAt       time.Time
	halfOpenProbes int
	halfOpenOK     int
}

// New creates a new circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg, now: now}
}

// Allow reports whether an attempt may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.failures = 0
		}
	}
}

// RecordFailure records a failed attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// RetryAt returns when an open breaker starts letting probes through.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.cfg.OpenDuration)
}

// trip opens the breaker. Must be called under lock.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
}

// advance moves an expired open breaker to half-open. Must be called under lock.
func (b *Breaker) advance() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
	}
}

// Registry holds one breaker per key.
type Registry struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg. A disabled cfg
// yields a registry that never creates breakers.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use. Returns nil
// when breaking is disabled.
func (r *Registry) Get(key string) *Breaker {
	if r == nil || !r.cfg.Enabled() {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = newWithClock(r.cfg, r.now)
	r.breakers[key] = b
	return b
}

// Remove forgets the breaker for key, e.g. after its config changed.
func (r *Registry) Remove(key string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.breakers, key)
	r.mu.Unlock()
}

// Snapshot returns the state of every breaker, keyed by key.
func (r *Registry) Snapshot() map[string]string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.State().String()
	}
	return out
}
