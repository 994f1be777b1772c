package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/draftea/resilience-system/events"
	"github.com/draftea/resilience-system/models"
	"github.com/draftea/resilience-system/order-service/domain"
	"github.com/draftea/resilience-system/resilience"
	"github.com/draftea/resilience-system/saga"
)

// Order event topics
const (
	OrderPlacedTopic   events.Topic = "order.placed"
	OrderRejectedTopic events.Topic = "order.rejected"
)

// Saga step names, also the context keys of each step's result
const (
	StepReserveInventory = "reserve_inventory"
	StepChargePayment    = "charge_payment"
	StepScheduleShipment = "schedule_shipment"
)

// Breaker names for the downstream dependencies
const (
	inventoryBreaker = "inventory-service"
	paymentBreaker   = "payment-service"
	shippingBreaker  = "shipping-service"
)

// PlaceOrderCommand represents the command to place an order
type PlaceOrderCommand struct {
	UserID   string `json:"user_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Quantity int    `json:"quantity"`
}

// PlaceOrderResponse reports the outcome of the order saga
type PlaceOrderResponse struct {
	OrderID        string   `json:"order_id"`
	SagaID         string   `json:"saga_id"`
	Status         string   `json:"status"`
	CommittedSteps []string `json:"committed_steps,omitempty"`
	FailureReason  string   `json:"failure_reason,omitempty"`
}

// PlaceOrder runs the place-order saga: reserve inventory, charge payment,
// schedule shipment. Every downstream call goes through that dependency's
// circuit breaker with retries inside the breaker, so the attempts of one
// call count as a single breaker outcome.
type PlaceOrder struct {
	inventory domain.InventoryService
	payments  domain.PaymentService
	shipping  domain.ShippingService

	breakers       *resilience.Registry
	retry          *resilience.Executor
	orchestrator   *saga.Orchestrator
	eventPublisher events.Publisher
}

// NewPlaceOrder creates the place-order use case
func NewPlaceOrder(
	inventory domain.InventoryService,
	payments domain.PaymentService,
	shipping domain.ShippingService,
	breakers *resilience.Registry,
	retry *resilience.Executor,
	orchestrator *saga.Orchestrator,
	eventPublisher events.Publisher,
) *PlaceOrder {
	return &PlaceOrder{
		inventory:      inventory,
		payments:       payments,
		shipping:       shipping,
		breakers:       breakers,
		retry:          retry,
		orchestrator:   orchestrator,
		eventPublisher: eventPublisher,
	}
}

// Execute validates the command and runs the saga to completion. Saga
// failures are reported in the response, not as an error; the error return
// covers invalid commands and event publication only.
func (uc *PlaceOrder) Execute(ctx context.Context, cmd *PlaceOrderCommand) (*PlaceOrderResponse, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return nil, errors.Wrap(err, "invalid command")
	}

	orderID := models.GenerateUUID()
	amount := models.NewMoney(cmd.Amount, cmd.Currency)

	def, err := uc.definition(orderID, amount, cmd.Quantity)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build saga definition")
	}

	exec := uc.orchestrator.Execute(ctx, def, map[string]interface{}{
		"order_id": orderID.String(),
		"user_id":  cmd.UserID,
	})

	if err := uc.publishOutcome(ctx, orderID, exec); err != nil {
		return nil, errors.Wrap(err, "failed to publish order outcome")
	}

	response := &PlaceOrderResponse{
		OrderID:        orderID.String(),
		SagaID:         exec.SagaID.String(),
		Status:         string(exec.Status),
		CommittedSteps: exec.CommittedSteps,
	}
	if exec.StepErr != nil {
		response.FailureReason = exec.StepErr.Error()
	}

	return response, nil
}

// definition builds the three-step saga for one order
func (uc *PlaceOrder) definition(orderID models.ID, amount models.Money, quantity int) (*saga.Definition, error) {
	return saga.NewDefinition("place-order",
		saga.Step{
			Name: StepReserveInventory,
			Action: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
				var reservationID models.ID
				err := uc.breakers.Call(ctx, inventoryBreaker, func(ctx context.Context) error {
					return uc.retry.Run(ctx, func(ctx context.Context) error {
						var err error
						reservationID, err = uc.inventory.Reserve(ctx, orderID, quantity)
						return err
					})
				})
				return reservationID.String(), err
			},
			Compensation: func(ctx context.Context, sc *saga.Context) error {
				reservationID, ok := sc.GetString(StepReserveInventory)
				if !ok {
					return errors.New("reservation ID missing from saga context")
				}
				return uc.inventory.Release(ctx, models.ID(reservationID))
			},
		},
		saga.Step{
			Name: StepChargePayment,
			Action: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
				var paymentID models.ID
				err := uc.breakers.Call(ctx, paymentBreaker, func(ctx context.Context) error {
					return uc.retry.Run(ctx, func(ctx context.Context) error {
						var err error
						paymentID, err = uc.payments.Charge(ctx, orderID, amount)
						return err
					})
				})
				return paymentID.String(), err
			},
			Compensation: func(ctx context.Context, sc *saga.Context) error {
				paymentID, ok := sc.GetString(StepChargePayment)
				if !ok {
					return errors.New("payment ID missing from saga context")
				}
				return uc.payments.Refund(ctx, models.ID(paymentID))
			},
		},
		saga.Step{
			Name: StepScheduleShipment,
			Action: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
				var shipmentID models.ID
				err := uc.breakers.Call(ctx, shippingBreaker, func(ctx context.Context) error {
					return uc.retry.Run(ctx, func(ctx context.Context) error {
						var err error
						shipmentID, err = uc.shipping.Schedule(ctx, orderID)
						return err
					})
				})
				return shipmentID.String(), err
			},
			Compensation: func(ctx context.Context, sc *saga.Context) error {
				shipmentID, ok := sc.GetString(StepScheduleShipment)
				if !ok {
					return errors.New("shipment ID missing from saga context")
				}
				return uc.shipping.Cancel(ctx, models.ID(shipmentID))
			},
		},
	)
}

func (uc *PlaceOrder) publishOutcome(ctx context.Context, orderID models.ID, exec *saga.Execution) error {
	if exec.Succeeded() {
		event := events.NewEvent(orderID, OrderPlacedTopic, map[string]interface{}{
			"order_id": orderID.String(),
			"saga_id":  exec.SagaID.String(),
		}).WithCorrelationID(exec.SagaID)
		return uc.eventPublisher.Publish(ctx, event)
	}

	payload := map[string]interface{}{
		"order_id": orderID.String(),
		"saga_id":  exec.SagaID.String(),
		"status":   string(exec.Status),
	}
	if exec.StepErr != nil {
		payload["reason"] = exec.StepErr.Error()
		payload["failed_step"] = exec.FailedStep
	}

	event := events.NewEvent(orderID, OrderRejectedTopic, payload).WithCorrelationID(exec.SagaID)
	return uc.eventPublisher.Publish(ctx, event)
}

func (uc *PlaceOrder) validateCommand(cmd *PlaceOrderCommand) error {
	if cmd.UserID == "" {
		return errors.New("user ID is required")
	}
	if cmd.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if cmd.Currency == "" {
		return errors.New("currency is required")
	}
	if cmd.Quantity <= 0 {
		return errors.New("quantity must be positive")
	}
	return nil
}
