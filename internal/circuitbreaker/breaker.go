// Package circuitbreaker guards outbound calls to the payment rail. Each
// key runs an independent closed / open / half-open circuit: consecutive
// failures trip it open, and after a cooling period a single probe decides
// whether traffic resumes.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one circuit.
type State int

const (
	StateClosed   State = iota // requests flow
	StateOpen                  // requests rejected until the cooling period ends
	StateHalfOpen              // one probe in flight, everything else rejected
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "custodia",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker holds the circuits, one per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
}

// New creates a breaker that opens a circuit after threshold consecutive
// failures and keeps it open for cooldown before probing. Non-positive
// arguments fall back to 5 failures and 30 seconds.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a call keyed by key may proceed. An open circuit
// whose cooldown has elapsed moves to half-open and admits the call as its
// probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.state == StateClosed {
		return true
	}
	if c.state == StateHalfOpen {
		return false
	}
	if time.Since(c.lastFailure) >= b.cooldown {
		b.transition(c, key, StateHalfOpen)
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, key, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failed call. Reaching the threshold, or failing
// the half-open probe, trips the circuit open.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	c.failures++
	c.lastFailure = time.Now()

	switch c.state {
	case StateHalfOpen:
		b.transition(c, key, StateOpen)
	case StateClosed:
		if c.failures >= b.threshold {
			b.transition(c, key, StateOpen)
		}
	}
}

// State returns the circuit state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// transition must be called with b.mu held.
func (b *Breaker) transition(c *circuit, key string, to State) {
	if c.state == to {
		return
	}
	stateTransitions.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
