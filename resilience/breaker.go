package resilience

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state
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

// Default breaker configuration values
const (
	DefaultFailureThreshold         = 5
	DefaultHalfOpenSuccessThreshold = 3
	DefaultRecoveryTimeout          = 30 * time.Second
)

// Config holds the immutable breaker configuration
type Config struct {
	FailureThreshold         int
	HalfOpenSuccessThreshold int
	RecoveryTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = DefaultHalfOpenSuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return c
}

// Operation is a fallible call guarded by a breaker or retried by an
// executor. It must honor ctx cancellation and deadlines.
type Operation func(ctx context.Context) error

// Breaker guards calls to a single downstream dependency. All callers of the
// same dependency share one instance (see Registry); state transitions happen
// under a mutex so concurrent callers never observe drift.
type Breaker struct {
	name     string
	config   Config
	observer Observer
	now      func() time.Time

	mux               sync.Mutex
	state             State
	failureCount      int
	halfOpenSuccesses int
	lastFailureTime   time.Time
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithObserver sets the transition observer
func WithObserver(observer Observer) BreakerOption {
	return func(b *Breaker) {
		b.observer = observer
	}
}

// withClock overrides the time source, used by tests
func withClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a breaker for the named dependency, starting closed
func NewBreaker(name string, config Config, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:     name,
		config:   config.withDefaults(),
		observer: NopObserver{},
		now:      time.Now,
		state:    StateClosed,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Name returns the dependency name this breaker guards
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current breaker state
func (b *Breaker) State() State {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.state
}

type callOptions struct {
	fallback Operation
}

// CallOption configures a single Call
type CallOption func(*callOptions)

// WithFallback invokes fb instead of returning a CircuitOpenError when the
// breaker rejects the call. The fallback is not invoked when the operation
// itself fails.
func WithFallback(fb Operation) CallOption {
	return func(o *callOptions) {
		o.fallback = fb
	}
}

// Call executes op under the breaker's state machine. While the breaker is
// open and the recovery timeout has not elapsed, op is not invoked and either
// the fallback runs or a CircuitOpenError is returned. The operation's own
// error is propagated unchanged otherwise.
func (b *Breaker) Call(ctx context.Context, op Operation, opts ...CallOption) error {
	options := &callOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if rejected := b.allow(); rejected != nil {
		if options.fallback != nil {
			return options.fallback(ctx)
		}
		return rejected
	}

	err := op(ctx)
	if err == nil && ctx.Err() != nil {
		// An operation that ignored its deadline still counts as a failure.
		err = ctx.Err()
	}

	b.record(err)

	return err
}

// allow decides whether a call may proceed, transitioning an expired open
// breaker to half-open first.
func (b *Breaker) allow() *CircuitOpenError {
	b.mux.Lock()
	defer b.mux.Unlock()

	if b.state != StateOpen {
		return nil
	}

	elapsed := b.now().Sub(b.lastFailureTime)
	if elapsed < b.config.RecoveryTimeout {
		return &CircuitOpenError{
			Name:       b.name,
			RetryAfter: b.config.RecoveryTimeout - elapsed,
		}
	}

	b.transition(StateHalfOpen)
	b.halfOpenSuccesses = 0

	return nil
}

func (b *Breaker) record(err error) {
	b.mux.Lock()
	defer b.mux.Unlock()

	if err == nil {
		b.recordSuccess()
	} else {
		b.recordFailure()
	}
}

func (b *Breaker) recordSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.HalfOpenSuccessThreshold {
			b.transition(StateClosed)
			b.failureCount = 0
			b.halfOpenSuccesses = 0
		}
	}
}

func (b *Breaker) recordFailure() {
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during probing reopens immediately.
		b.halfOpenSuccesses = 0
		b.transition(StateOpen)
	}
}

// transition must be called with the mutex held
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.observer.BreakerStateChanged(b.name, from, to)
}
