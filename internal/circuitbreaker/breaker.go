// Package circuitbreaker quarantines keys (oracle candidates) that keep
// failing, so one poisoned transaction cannot eat every run's budget.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // attempts flow through
	StateOpen                  // attempts are skipped until the cooldown ends
	StateHalfOpen              // one probe attempt is in flight
)

// String returns the state name.
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

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by breaker, from-state, and to-state.",
	}, []string{"breaker", "from_state", "to_state"})

	openKeys = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "open_keys",
		Help:      "Keys currently open or probing, per breaker.",
	}, []string{"breaker"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, openKeys)
}

type entry struct {
	state    State
	failures int
	trips    int
	openedAt time.Time
}

// Breaker tracks consecutive failures per key. A key opens after threshold
// failures and stays open for the cooldown, after which one probe is let
// through. Each failed probe doubles the cooldown up to maxCooldown.
type Breaker struct {
	name        string
	threshold   int
	cooldown    time.Duration
	maxCooldown time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a breaker that opens after threshold consecutive failures.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:        "default",
		threshold:   threshold,
		cooldown:    cooldown,
		maxCooldown: 16 * cooldown,
		now:         time.Now,
		entries:     make(map[string]*entry),
	}
}

// WithName labels the breaker's metrics.
func (b *Breaker) WithName(name string) *Breaker {
	b.name = name
	return b
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// WithMaxCooldown caps the probe backoff.
func (b *Breaker) WithMaxCooldown(d time.Duration) *Breaker {
	if d >= b.cooldown {
		b.maxCooldown = d
	}
	return b
}

// Allow reports whether key may be attempted now. An open key whose
// cooldown has elapsed moves to half-open and is allowed exactly once.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) < b.cooldownFor(e) {
			return false
		}
		b.transition(e, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordFailure counts a failed attempt for key.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	switch {
	case e.state == StateHalfOpen:
		e.trips++
		e.openedAt = b.now()
		b.transition(e, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		e.openedAt = b.now()
		b.transition(e, StateOpen)
	}
}

// Forget drops all state for key, e.g. once it succeeded or reached a
// terminal state.
func (b *Breaker) Forget(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		b.transition(e, StateClosed)
		delete(b.entries, key)
	}
}

// State returns the current state for a key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// OpenKeys returns the sorted keys that are open or probing.
func (b *Breaker) OpenKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k, e := range b.entries {
		if e.state != StateClosed {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (b *Breaker) cooldownFor(e *entry) time.Duration {
	d := b.cooldown
	for i := 0; i < e.trips && d < b.maxCooldown; i++ {
		d *= 2
	}
	if d > b.maxCooldown {
		d = b.maxCooldown
	}
	return d
}

// transition must be called with b.mu held.
func (b *Breaker) transition(e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	transitionsTotal.WithLabelValues(b.name, from.String(), to.String()).Inc()
	switch {
	case from == StateClosed:
		openKeys.WithLabelValues(b.name).Inc()
	case to == StateClosed:
		openKeys.WithLabelValues(b.name).Dec()
	}
}
