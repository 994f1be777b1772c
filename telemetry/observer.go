package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/draftea/resilience-system/models"
	"github.com/draftea/resilience-system/resilience"
	"github.com/draftea/resilience-system/saga"
)

var (
	_ resilience.Observer = (*ResilienceObserver)(nil)
	_ saga.Observer       = (*SagaObserver)(nil)
)

// ResilienceObserver records breaker state transitions and retry attempts as
// OpenTelemetry metrics.
type ResilienceObserver struct {
	tel *Telemetry
}

// NewResilienceObserver creates a metrics sink for breaker/retry events
func NewResilienceObserver(tel *Telemetry) *ResilienceObserver {
	return &ResilienceObserver{tel: tel}
}

func (o *ResilienceObserver) BreakerStateChanged(name string, from, to resilience.State) {
	o.tel.RecordCounter(context.Background(),
		"circuit_breaker_transitions_total",
		"Number of circuit breaker state transitions",
		1,
		attribute.String("breaker", name),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	)
}

func (o *ResilienceObserver) RetryAttempted(name string, attempt int, delay time.Duration, err error) {
	ctx := context.Background()

	o.tel.RecordCounter(ctx,
		"retry_attempts_total",
		"Number of retry attempts",
		1,
		attribute.String("operation", name),
		attribute.Int("attempt", attempt),
	)

	o.tel.RecordHistogram(ctx,
		"retry_backoff_seconds",
		"Backoff delay before each retry attempt",
		delay.Seconds(),
		attribute.String("operation", name),
	)
}

// SagaObserver records saga status transitions as OpenTelemetry metrics
type SagaObserver struct {
	tel *Telemetry
}

// NewSagaObserver creates a metrics sink for saga status transitions
func NewSagaObserver(tel *Telemetry) *SagaObserver {
	return &SagaObserver{tel: tel}
}

func (o *SagaObserver) SagaStatusChanged(sagaID models.ID, name string, from, to saga.Status) {
	o.tel.RecordCounter(context.Background(),
		"saga_status_transitions_total",
		"Number of saga status transitions",
		1,
		attribute.String("saga", name),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	)
}
