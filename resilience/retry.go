package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// Default retry policy values
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultMaxJitter  = 100 * time.Millisecond
)

// Policy configures an Executor. The policy is stateless; attempt counters
// live on the stack of each Run call.
type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func() time.Duration
	IsRetryable func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Jitter == nil {
		p.Jitter = Jitter(DefaultMaxJitter)
	}
	if p.IsRetryable == nil {
		p.IsRetryable = DefaultIsRetryable
	}
	return p
}

// Jitter returns a jitter source producing additive randomness in [0, max).
// Randomized delays keep a fleet of clients from retrying in lockstep.
func Jitter(max time.Duration) func() time.Duration {
	return func() time.Duration {
		if max <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(max)))
	}
}

// NoJitter disables jitter, mostly useful in tests
func NoJitter() time.Duration {
	return 0
}

// Executor retries a fallible operation with exponential backoff. It is
// orthogonal to Breaker: wrap an operation with either, both (the executor
// inside Breaker.Call, so one breaker outcome covers all attempts), or
// neither.
type Executor struct {
	name     string
	policy   Policy
	observer Observer
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithRetryObserver sets the retry attempt observer
func WithRetryObserver(observer Observer) ExecutorOption {
	return func(e *Executor) {
		e.observer = observer
	}
}

// NewExecutor creates a retry executor named after the operation it guards
func NewExecutor(name string, policy Policy, opts ...ExecutorOption) *Executor {
	e := &Executor{
		name:     name,
		policy:   policy.withDefaults(),
		observer: NopObserver{},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run attempts op up to 1+MaxRetries times. Non-retryable errors propagate
// immediately without delay; once the budget is spent the last error is
// returned wrapped in a RetriesExhaustedError.
func (e *Executor) Run(ctx context.Context, op Operation) error {
	var last error

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err

		if !e.policy.IsRetryable(err) {
			return err
		}

		if attempt >= e.policy.MaxRetries {
			break
		}

		delay := e.delay(attempt)
		e.observer.RetryAttempted(e.name, attempt+1, delay, err)

		if err := sleep(ctx, delay); err != nil {
			return errors.Wrap(err, "retry aborted")
		}
	}

	return &RetriesExhaustedError{
		Attempts: e.policy.MaxRetries + 1,
		Last:     last,
	}
}

// delay computes min(base * 2^attempt + jitter, max), where attempt is 0 for
// the first retry.
func (e *Executor) delay(attempt int) time.Duration {
	backoff := e.policy.BaseDelay
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= e.policy.MaxDelay {
			backoff = e.policy.MaxDelay
			break
		}
	}

	delay := backoff + e.policy.Jitter()
	if delay > e.policy.MaxDelay {
		delay = e.policy.MaxDelay
	}

	return delay
}

// sleep blocks the calling goroutine only; other sagas and handlers keep
// running. Cancelling ctx aborts the wait.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
