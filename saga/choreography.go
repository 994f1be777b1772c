package saga

import (
	"context"

	"go.uber.org/zap"

	"github.com/draftea/resilience-system/events"
	"github.com/draftea/resilience-system/models"
	"github.com/draftea/resilience-system/resilience"
)

// Router routes events to registered handlers in choreography mode: each
// service reacts to events and publishes new ones, with no central
// coordinator. A failing handler is logged and skipped so the remaining
// handlers for the same event still run.
type Router struct {
	logger   *zap.Logger
	handlers map[events.Topic][]events.Handler
}

// NewRouter creates an event router for choreography
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:   logger,
		handlers: make(map[events.Topic][]events.Handler),
	}
}

// RegisterHandler registers a handler for a topic. Registration happens
// during wiring, before events flow; the map is not locked.
func (r *Router) RegisterHandler(topic events.Topic, handler events.Handler) {
	r.handlers[topic] = append(r.handlers[topic], handler)
}

// HandlerID identifies the router to queue subscribers
func (r *Router) HandlerID() string {
	return "saga-choreography-router"
}

// Handle implements events.Handler, fanning the event out to every handler
// registered for its topic.
func (r *Router) Handle(ctx context.Context, event *events.Event) error {
	handlers, ok := r.handlers[event.Topic]
	if !ok {
		r.logger.Debug("no handlers registered for topic",
			zap.String("topic", event.Topic.String()),
		)
		return nil
	}

	for _, handler := range handlers {
		if err := handler.Handle(ctx, event); err != nil {
			r.logger.Warn("choreography handler failed",
				zap.String("topic", event.Topic.String()),
				zap.String("event_id", event.ID.String()),
				zap.Error(err),
			)
		}
	}

	return nil
}

// Coordinator publishes saga lifecycle and compensating events for
// choreography flows. Compensating events must not be lost to a transient
// publish failure, so their publication is retried with backoff before the
// error surfaces to the caller.
type Coordinator struct {
	publisher events.Publisher
	retry     *resilience.Executor
	logger    *zap.Logger
}

// NewCoordinator creates a choreography coordinator. A nil retry executor
// gets the default policy.
func NewCoordinator(publisher events.Publisher, retry *resilience.Executor, logger *zap.Logger) *Coordinator {
	if retry == nil {
		retry = resilience.NewExecutor("saga-compensation-publish", resilience.Policy{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		publisher: publisher,
		retry:     retry,
		logger:    logger,
	}
}

// Started publishes saga.started for a new flow
func (c *Coordinator) Started(ctx context.Context, sagaID models.ID, name string) error {
	return c.publishLifecycle(ctx, sagaID, events.SagaStartedTopic, name, "")
}

// Completed publishes saga.completed
func (c *Coordinator) Completed(ctx context.Context, sagaID models.ID, name string) error {
	return c.publishLifecycle(ctx, sagaID, events.SagaCompletedTopic, name, "")
}

// Compensated publishes saga.compensated
func (c *Coordinator) Compensated(ctx context.Context, sagaID models.ID, name string) error {
	return c.publishLifecycle(ctx, sagaID, events.SagaCompensatedTopic, name, "")
}

// Failed publishes saga.failed with the failure reason
func (c *Coordinator) Failed(ctx context.Context, sagaID models.ID, name, reason string) error {
	return c.publishLifecycle(ctx, sagaID, events.SagaFailedTopic, name, reason)
}

func (c *Coordinator) publishLifecycle(ctx context.Context, sagaID models.ID, topic events.Topic, name, reason string) error {
	payload := map[string]interface{}{
		"saga":    name,
		"saga_id": sagaID.String(),
	}
	if reason != "" {
		payload["reason"] = reason
	}

	event := events.NewEvent(sagaID, topic, payload).WithCorrelationID(sagaID)
	return c.publisher.Publish(ctx, event)
}

// PublishCompensation publishes a compensating event, retrying transient
// publish failures. At-least-once delivery alone does not cover the publish
// call itself failing, so the retry happens here, at the producing side.
func (c *Coordinator) PublishCompensation(ctx context.Context, event *events.Event) error {
	return c.retry.Run(ctx, func(ctx context.Context) error {
		return c.publisher.Publish(ctx, event)
	})
}
