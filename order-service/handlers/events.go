package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/draftea/resilience-system/events"
)

// OrderEventHandlers reacts to order and saga lifecycle events. It is an
// audit-style subscriber: every outcome is logged with its correlation ID so
// a flow can be traced across services.
type OrderEventHandlers struct {
	logger *zap.Logger
}

// NewOrderEventHandlers creates the order event handlers
func NewOrderEventHandlers(logger *zap.Logger) *OrderEventHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderEventHandlers{logger: logger}
}

// Handle implements events.Handler
func (h *OrderEventHandlers) Handle(_ context.Context, event *events.Event) error {
	h.logger.Info("order flow event",
		zap.String("topic", event.Topic.String()),
		zap.String("event_id", event.ID.String()),
		zap.String("aggregate_id", event.AggregateID.String()),
		zap.String("correlation_id", event.CorrelationID.String()),
	)
	return nil
}

// Register subscribes the handlers to the order and saga topics
func (h *OrderEventHandlers) Register(ctx context.Context, subscriber events.Subscriber) error {
	topics := []events.Topic{"order.#", "saga.#"}
	for _, topic := range topics {
		if _, err := subscriber.Subscribe(ctx, topic, h); err != nil {
			return err
		}
	}
	return nil
}
