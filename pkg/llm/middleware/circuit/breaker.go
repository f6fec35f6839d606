// Package circuit stops calling a provider that keeps failing and tries it
// again after a cool-down.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State is the position of a breaker.
type State int

const (
	Closed   State = iota // calls flow
	Open                  // calls are rejected until the cool-down ends
	HalfOpen              // a limited number of trial calls decide
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds. Zero values fall back to the defaults.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // consecutive failures that open the circuit
	SuccessThreshold int           `json:"success_threshold"` // trial successes that close it again
	CoolDown         time.Duration `json:"cool_down"`         // time spent open before a trial call
}

// Defaults.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultCoolDown         = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.CoolDown <= 0 {
		c.CoolDown = DefaultCoolDown
	}
	return c
}

// Error is returned for calls rejected by an open circuit.
type Error struct {
	Provider string
	Until    time.Time // when the next trial call is allowed
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s circuit is open until %s", e.Provider, e.Until.Format(time.RFC3339))
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Provider            string    `json:"provider"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenUntil           time.Time `json:"open_until,omitempty"`
}

// Breaker guards the calls to one provider. It is safe for concurrent use.
type Breaker struct {
	provider string
	cfg      Config
	now      func() time.Time
	onChange func(provider string, from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	trials    int
	openUntil time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// OnStateChange registers fn to be called after every transition. fn runs
// without the breaker's lock held.
func OnStateChange(fn func(provider string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

func withClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed breaker for provider.
func New(provider string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{provider: provider, cfg: cfg.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Provider returns the name the breaker guards.
func (b *Breaker) Provider() string { return b.provider }

// Allow reports whether a call may proceed. An open breaker whose cool-down
// has passed moves to half-open and admits the call as a trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	if b.state == Open {
		if b.now().Before(b.openUntil) {
			until := b.openUntil
			b.mu.Unlock()
			return &Error{Provider: b.provider, Until: until}
		}
		b.state = HalfOpen
		b.trials = 0
	}
	to := b.state
	b.mu.Unlock()

	b.changed(from, to)
	return nil
}

// Success records a call that reached the provider and succeeded.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	if b.state == HalfOpen {
		b.trials++
		if b.trials >= b.cfg.SuccessThreshold {
			b.state = Closed
		}
	}
	to := b.state
	b.mu.Unlock()

	b.changed(from, to)
}

// Failure records a provider-side failure. Any failure while half-open
// reopens the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	if b.state == HalfOpen || (b.state == Closed && b.failures >= b.cfg.FailureThreshold) {
		b.state = Open
		b.openUntil = b.now().Add(b.cfg.CoolDown)
		b.trials = 0
	}
	to := b.state
	b.mu.Unlock()

	b.changed(from, to)
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Provider: b.provider, State: b.state.String(), ConsecutiveFailures: b.failures}
	if b.state == Open {
		s.OpenUntil = b.openUntil
	}
	return s
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.trials = 0
	b.openUntil = time.Time{}
	b.mu.Unlock()

	b.changed(from, Closed)
}

func (b *Breaker) changed(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.provider, from, to)
	}
}
