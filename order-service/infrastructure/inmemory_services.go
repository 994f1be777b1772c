package infrastructure

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/draftea/resilience-system/models"
	"github.com/draftea/resilience-system/order-service/domain"
	"github.com/draftea/resilience-system/resilience"
)

// In-memory downstream services for local runs and tests. They keep the same
// error taxonomy as a real integration: business rejections are tagged
// permanent, so the saga compensates instead of retrying them.

var (
	_ domain.InventoryService = (*InMemoryInventoryService)(nil)
	_ domain.PaymentService   = (*InMemoryPaymentService)(nil)
	_ domain.ShippingService  = (*InMemoryShippingService)(nil)
)

// InMemoryInventoryService tracks stock reservations in memory
type InMemoryInventoryService struct {
	mux          sync.Mutex
	stock        int
	reservations map[models.ID]int
}

// NewInMemoryInventoryService creates an inventory with the given stock
func NewInMemoryInventoryService(stock int) *InMemoryInventoryService {
	return &InMemoryInventoryService{
		stock:        stock,
		reservations: make(map[models.ID]int),
	}
}

func (s *InMemoryInventoryService) Reserve(_ context.Context, orderID models.ID, quantity int) (models.ID, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if quantity <= 0 {
		return "", resilience.Permanent(errors.New("quantity must be positive"))
	}
	if quantity > s.stock {
		return "", resilience.Permanent(errors.Errorf("insufficient stock for order %s", orderID))
	}

	s.stock -= quantity
	reservationID := models.GenerateUUID()
	s.reservations[reservationID] = quantity

	return reservationID, nil
}

func (s *InMemoryInventoryService) Release(_ context.Context, reservationID models.ID) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	quantity, ok := s.reservations[reservationID]
	if !ok {
		// Releasing an unknown reservation is a no-op so compensation stays
		// idempotent.
		return nil
	}

	s.stock += quantity
	delete(s.reservations, reservationID)

	return nil
}

// ErrInsufficientFunds is the permanent rejection a charge gets when the
// account balance cannot cover the amount.
var ErrInsufficientFunds = errors.New("insufficient funds")

// InMemoryPaymentService charges against a single in-memory balance
type InMemoryPaymentService struct {
	mux      sync.Mutex
	balance  models.Money
	payments map[models.ID]models.Money
}

// NewInMemoryPaymentService creates a payment service with the given balance
func NewInMemoryPaymentService(balance models.Money) *InMemoryPaymentService {
	return &InMemoryPaymentService{
		balance:  balance,
		payments: make(map[models.ID]models.Money),
	}
}

func (s *InMemoryPaymentService) Charge(_ context.Context, orderID models.ID, amount models.Money) (models.ID, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if !amount.IsPositive() {
		return "", resilience.Permanent(errors.New("amount must be positive"))
	}

	remaining, err := s.balance.Subtract(amount)
	if err != nil {
		return "", resilience.Permanent(err)
	}
	if remaining.Amount < 0 {
		return "", resilience.Permanent(errors.Wrapf(ErrInsufficientFunds, "order %s", orderID))
	}

	s.balance = remaining
	paymentID := models.GenerateUUID()
	s.payments[paymentID] = amount

	return paymentID, nil
}

func (s *InMemoryPaymentService) Refund(_ context.Context, paymentID models.ID) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	amount, ok := s.payments[paymentID]
	if !ok {
		return nil
	}

	restored, err := s.balance.Add(amount)
	if err != nil {
		return err
	}

	s.balance = restored
	delete(s.payments, paymentID)

	return nil
}

// InMemoryShippingService tracks scheduled shipments in memory
type InMemoryShippingService struct {
	mux       sync.Mutex
	shipments map[models.ID]models.ID // shipment -> order
}

// NewInMemoryShippingService creates a shipping service
func NewInMemoryShippingService() *InMemoryShippingService {
	return &InMemoryShippingService{
		shipments: make(map[models.ID]models.ID),
	}
}

func (s *InMemoryShippingService) Schedule(_ context.Context, orderID models.ID) (models.ID, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	shipmentID := models.GenerateUUID()
	s.shipments[shipmentID] = orderID

	return shipmentID, nil
}

func (s *InMemoryShippingService) Cancel(_ context.Context, shipmentID models.ID) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	delete(s.shipments, shipmentID)

	return nil
}
