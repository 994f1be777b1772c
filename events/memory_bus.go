package events

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	_ Publisher  = (*InMemoryBus)(nil)
	_ Subscriber = (*InMemoryBus)(nil)
)

// InMemoryBus is an in-process publish/subscribe transport. Delivery is
// at-least-once to every matching subscriber; a failing or panicking handler
// is isolated and never blocks delivery to the remaining handlers of the same
// event. The bus does not retry failed handlers; handlers that want retries
// wrap themselves with a resilience.Executor.
type InMemoryBus struct {
	logger *zap.Logger

	mux  sync.RWMutex
	seq  uint64
	subs map[uint64]*memorySubscription
}

type memorySubscription struct {
	id      uint64
	pattern Topic
	handler Handler
}

func (s *memorySubscription) Topic() Topic {
	return s.pattern
}

// NewInMemoryBus creates an in-memory event bus
func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryBus{
		logger: logger,
		subs:   make(map[uint64]*memorySubscription),
	}
}

// Subscribe registers handler for events whose topic matches topicPattern
func (b *InMemoryBus) Subscribe(_ context.Context, topicPattern Topic, handler Handler) (Subscription, error) {
	if topicPattern == "" {
		return nil, ErrInvalidTopic
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	b.mux.Lock()
	defer b.mux.Unlock()

	b.seq++
	sub := &memorySubscription{
		id:      b.seq,
		pattern: topicPattern,
		handler: handler,
	}
	b.subs[sub.id] = sub

	return sub, nil
}

// Unsubscribe cancels a subscription; subsequent events are not delivered
func (b *InMemoryBus) Unsubscribe(sub Subscription) error {
	ms, ok := sub.(*memorySubscription)
	if !ok {
		return errors.New("subscription does not belong to this bus")
	}

	b.mux.Lock()
	defer b.mux.Unlock()

	if _, ok := b.subs[ms.id]; !ok {
		return errors.New("subscription not found")
	}
	delete(b.subs, ms.id)

	return nil
}

// Publish delivers each event to every matching subscriber. Ordering is
// preserved per publishing goroutine only; callers requiring cross-publisher
// order must key events by correlation ID on an ordered transport.
func (b *InMemoryBus) Publish(ctx context.Context, events ...*Event) error {
	b.mux.RLock()
	subs := make([]*memorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mux.RUnlock()

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, sub := range subs {
			if !event.Topic.Matches(sub.pattern) {
				continue
			}
			b.deliver(ctx, sub, event)
		}
	}

	return nil
}

// deliver runs one handler in an isolated failure domain
func (b *InMemoryBus) deliver(ctx context.Context, sub *memorySubscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic.String()),
				zap.String("pattern", sub.pattern.String()),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.handler.Handle(ctx, event); err != nil {
		b.logger.Warn("event handler failed",
			zap.String("topic", event.Topic.String()),
			zap.String("pattern", sub.pattern.String()),
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
	}
}
