package resilience

import "time"

// Observer receives breaker state transitions and retry attempts as discrete
// events. The core only emits these; the sink (metrics, logging) is an
// external collaborator.
type Observer interface {
	BreakerStateChanged(name string, from, to State)
	RetryAttempted(name string, attempt int, delay time.Duration, err error)
}

// NopObserver discards all observations.
type NopObserver struct{}

func (NopObserver) BreakerStateChanged(string, State, State)          {}
func (NopObserver) RetryAttempted(string, int, time.Duration, error) {}
