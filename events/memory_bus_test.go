package events

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftea/resilience-system/models"
)

type capture struct {
	mux    sync.Mutex
	events []*Event
}

func (c *capture) handler(result error) Handler {
	return HandlerFunc(func(ctx context.Context, event *Event) error {
		c.mux.Lock()
		defer c.mux.Unlock()
		c.events = append(c.events, event)
		return result
	})
}

func (c *capture) Count() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.events)
}

func TestInMemoryBus_DeliversToMatchingSubscribers(t *testing.T) {
	bus := NewInMemoryBus(nil)
	ctx := context.Background()

	orders := &capture{}
	payments := &capture{}
	everything := &capture{}

	_, err := bus.Subscribe(ctx, "order.#", orders.handler(nil))
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "payment.#", payments.handler(nil))
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "#", everything.handler(nil))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx,
		NewEvent(models.GenerateUUID(), "order.placed", nil),
		NewEvent(models.GenerateUUID(), "payment.charged", nil),
	))

	assert.Equal(t, 1, orders.Count())
	assert.Equal(t, 1, payments.Count())
	assert.Equal(t, 2, everything.Count())
}

func TestInMemoryBus_FailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewInMemoryBus(nil)
	ctx := context.Background()

	failing := &capture{}
	healthy := &capture{}

	_, err := bus.Subscribe(ctx, "order.placed", failing.handler(errors.New("handler down")))
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "order.placed", healthy.handler(nil))
	require.NoError(t, err)

	err = bus.Publish(ctx, NewEvent(models.GenerateUUID(), "order.placed", nil))

	assert.NoError(t, err, "a handler failure must not surface to the publisher")
	assert.Equal(t, 1, failing.Count())
	assert.Equal(t, 1, healthy.Count())
}

func TestInMemoryBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := NewInMemoryBus(nil)
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "order.placed", HandlerFunc(func(ctx context.Context, event *Event) error {
		panic("handler crashed")
	}))
	require.NoError(t, err)

	healthy := &capture{}
	_, err = bus.Subscribe(ctx, "order.placed", healthy.handler(nil))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		err = bus.Publish(ctx, NewEvent(models.GenerateUUID(), "order.placed", nil))
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, healthy.Count())
}

func TestInMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewInMemoryBus(nil)
	ctx := context.Background()

	c := &capture{}
	sub, err := bus.Subscribe(ctx, "order.placed", c.handler(nil))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewEvent(models.GenerateUUID(), "order.placed", nil)))
	require.Equal(t, 1, c.Count())

	require.NoError(t, bus.Unsubscribe(sub))

	require.NoError(t, bus.Publish(ctx, NewEvent(models.GenerateUUID(), "order.placed", nil)))
	assert.Equal(t, 1, c.Count())

	// A second unsubscribe for the same handle is an error.
	assert.Error(t, bus.Unsubscribe(sub))
}

func TestInMemoryBus_SubscribeValidation(t *testing.T) {
	bus := NewInMemoryBus(nil)
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "", HandlerFunc(func(ctx context.Context, event *Event) error { return nil }))
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = bus.Subscribe(ctx, "order.placed", nil)
	assert.Error(t, err)
}

func TestInMemoryBus_PublishStopsOnCancelledContext(t *testing.T) {
	bus := NewInMemoryBus(nil)

	c := &capture{}
	_, err := bus.Subscribe(context.Background(), "order.placed", c.handler(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = bus.Publish(ctx, NewEvent(models.GenerateUUID(), "order.placed", nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Count())
}
