package domain

import (
	"context"

	"github.com/draftea/resilience-system/models"
)

// Downstream dependencies of the place-order saga. Implementations live in
// infrastructure; the saga only sees these ports, wrapped by circuit breakers
// and retry executors.

// InventoryService reserves stock for an order
type InventoryService interface {
	Reserve(ctx context.Context, orderID models.ID, quantity int) (reservationID models.ID, err error)
	Release(ctx context.Context, reservationID models.ID) error
}

// PaymentService charges the customer
type PaymentService interface {
	Charge(ctx context.Context, orderID models.ID, amount models.Money) (paymentID models.ID, err error)
	Refund(ctx context.Context, paymentID models.ID) error
}

// ShippingService schedules delivery
type ShippingService interface {
	Schedule(ctx context.Context, orderID models.ID) (shipmentID models.ID, err error)
	Cancel(ctx context.Context, shipmentID models.ID) error
}
