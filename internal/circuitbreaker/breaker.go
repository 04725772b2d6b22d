// Package circuitbreaker provides a per-provider cutout. Failures are
// recorded by the router only when the error classifier says the kind
// affects the circuit; ABORTED hedge losers never trip a breaker.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, provider removed from candidate sets
	StateHalfOpen              // Probing recovery
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

// Config holds breaker tuning. Zero values select the defaults.
type Config struct {
	FailureThreshold int           // consecutive circuit-affecting failures to open (default 5)
	ResetTimeout     time.Duration // how long OPEN lasts before a probe (default 60s)
}

// Breaker implements the circuit breaker pattern for one provider.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	resetTimeout     time.Duration
	openUntil        time.Time

	// Metrics (atomic for lock-free reads)
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalOpens     atomic.Int64
}

// New creates a circuit breaker.
func New(cfg Config) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	reset := cfg.ResetTimeout
	if reset <= 0 {
		reset = 60 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: threshold,
		resetTimeout:     reset,
	}
}

// Allow reports whether a call may be attempted. The first call after the
// open interval elapses moves the breaker to half-open and is allowed as
// the probe; its outcome collapses the state back to closed or open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Now().After(b.openUntil) {
			b.state = StateHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess resets the failure counter; in half-open it closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
	}
}

// RecordFailure increments the failure counter, opening the circuit at the
// threshold. In half-open a single failure re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openUntil = time.Now().Add(b.resetTimeout)
	b.totalOpens.Add(1)
}

// State returns the current state without transitioning it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		TotalFailures:    b.totalFailures.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalOpens:       b.totalOpens.Load(),
	}
}

// Snapshot is a point-in-time view of a circuit breaker.
type Snapshot struct {
	State            string `json:"state"`
	FailureCount     int    `json:"failure_count"`
	FailureThreshold int    `json:"failure_threshold"`
	TotalFailures    int64  `json:"total_failures"`
	TotalSuccesses   int64  `json:"total_successes"`
	TotalOpens       int64  `json:"total_opens"`
}

// Registry manages circuit breakers per provider.
type Registry struct {
	cfg      Config
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a provider-keyed breaker registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a provider, creating it on first use.
func (r *Registry) Get(provider string) *Breaker {
	r.mu.RLock()
	b := r.breakers[provider]
	r.mu.RUnlock()
	if b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.breakers[provider]; b == nil {
		b = New(r.cfg)
		r.breakers[provider] = b
	}
	return b
}

// Snapshots returns snapshots of all known breakers.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		result[name] = b.Snapshot()
	}
	return result
}
