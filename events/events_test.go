package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftea/resilience-system/models"
)

func TestTopic_Matches(t *testing.T) {
	tests := []struct {
		name    string
		topic   Topic
		pattern Topic
		want    bool
	}{
		{"exact match", "order.placed", "order.placed", true},
		{"exact mismatch", "order.placed", "order.rejected", false},
		{"single wildcard", "order.placed", "order.*", true},
		{"single wildcard mid-pattern", "order.placed.v1", "order.*.v1", true},
		{"single wildcard wrong depth", "order.placed.v1", "order.*", false},
		{"hash alone", "anything.at.all", "#", true},
		{"hash suffix as prefix match", "saga.completed", "saga.#", true},
		{"hash suffix no match", "order.placed", "saga.#", false},
		{"hash prefix as suffix match", "order.payment.failed", "#.failed", true},
		{"hash both sides contains", "order.payment.failed", "#payment#", true},
		{"hash both sides no match", "order.shipment.failed", "#payment#", false},
		{"different depth without wildcard", "order.placed", "order.placed.v1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.topic.Matches(tt.pattern))
		})
	}
}

func TestNewTopic_RejectsEmpty(t *testing.T) {
	_, err := NewTopic("")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestNewEvent_Defaults(t *testing.T) {
	aggregateID := models.GenerateUUID()
	event := NewEvent(aggregateID, "order.placed", map[string]string{"order_id": "1"})

	assert.NotEmpty(t, event.ID.String())
	assert.Equal(t, aggregateID, event.AggregateID)
	assert.Equal(t, Topic("order.placed"), event.Topic)
	assert.Equal(t, "1.0", event.Version)
	assert.False(t, event.Timestamp.IsZero())
	assert.Empty(t, event.CorrelationID)
}

func TestEvent_WithCorrelationIDAndMetadata(t *testing.T) {
	correlationID := models.GenerateUUID()
	event := NewEvent(models.GenerateUUID(), "order.placed", nil).
		WithCorrelationID(correlationID).
		WithMetadata("source", "order-service")

	assert.Equal(t, correlationID, event.CorrelationID)

	source, ok := event.Metadata.Get("source")
	require.True(t, ok)
	assert.Equal(t, "order-service", source)
}

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

func TestEvent_UnmarshalPayload(t *testing.T) {
	t.Run("same type short-circuits", func(t *testing.T) {
		event := NewEvent(models.GenerateUUID(), "order.placed", orderPlaced{OrderID: "1", Amount: 100})

		var got orderPlaced
		require.NoError(t, event.UnmarshalPayload(&got))
		assert.Equal(t, orderPlaced{OrderID: "1", Amount: 100}, got)
	})

	t.Run("round-trips through json", func(t *testing.T) {
		event := NewEvent(models.GenerateUUID(), "order.placed", map[string]interface{}{
			"order_id": "1",
			"amount":   100,
		})

		var got orderPlaced
		require.NoError(t, event.UnmarshalPayload(&got))
		assert.Equal(t, "1", got.OrderID)
		assert.Equal(t, int64(100), got.Amount)
	})

	t.Run("raw message payload", func(t *testing.T) {
		event := NewEvent(models.GenerateUUID(), "order.placed", json.RawMessage(`{"order_id":"2","amount":50}`))

		var got orderPlaced
		require.NoError(t, event.UnmarshalPayload(&got))
		assert.Equal(t, "2", got.OrderID)
	})

	t.Run("non-pointer receiver rejected", func(t *testing.T) {
		event := NewEvent(models.GenerateUUID(), "order.placed", nil)

		var got orderPlaced
		assert.ErrorIs(t, event.UnmarshalPayload(got), ErrInvalidReceiver)
	})
}

func TestMetadata_Clone(t *testing.T) {
	original := Metadata{"source": "order-service"}
	clone := original.Clone()
	clone.Set("source", "payment-service")

	source, _ := original.Get("source")
	assert.Equal(t, "order-service", source)
}
