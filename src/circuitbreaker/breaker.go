// Package circuitbreaker guards calls to external dependencies (embedding
// providers, language models) with a closed/open/half-open state machine.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"hybridrag/src/log"
)

// ErrOpen is returned without invoking the wrapped call while the circuit is open.
var ErrOpen = errors.New("circuit open")

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // rejecting calls
	StateHalfOpen              // trial calls allowed
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

// Config holds the thresholds of a breaker.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the thresholds used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Snapshot is a point-in-time view of a breaker, used for health reporting.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes,omitempty"`
	NextAttempt time.Time `json:"nextAttempt,omitempty"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

// Breaker implements the circuit breaker pattern for a single dependency.
// It is safe for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	now    func() time.Time
	logger logr.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	nextAttempt time.Time
	lastFailure time.Time
}

// Option configures a Breaker.
type Option func(b *Breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l logr.Logger) Option {
	return func(b *Breaker) {
		b.logger = l
	}
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: log.WithName("circuitbreaker"),
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency name this breaker protects.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the circuit allows it and records the outcome.
// The error returned by fn is passed back unchanged.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := fn(ctx)
	b.after(ctx, err)
	return err
}

// Call is the value-returning form of Execute.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Before(b.nextAttempt) {
		return ErrOpen
	}
	b.transition(StateHalfOpen)
	return nil
}

func (b *Breaker) after(ctx context.Context, err error) {
	// A call abandoned by its own caller says nothing about the dependency.
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
		return
	}
	b.onFailure()
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	now := b.now()
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateOpen:
		// a call admitted just before another trial re-opened the circuit
		b.nextAttempt = now.Add(b.cfg.Timeout)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.nextAttempt = b.now().Add(b.cfg.Timeout)
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.nextAttempt = time.Time{}
	}
	b.logger.Info("circuit state changed", "breaker", b.name, "from", from.String(), "to", to.String())
}

// State returns the current state. An open circuit whose cool-down elapsed is
// still reported as open until the next call moves it to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
	if b.state == StateHalfOpen {
		s.Successes = b.successes
	}
	if b.state == StateOpen {
		s.NextAttempt = b.nextAttempt
	}
	return s
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}
