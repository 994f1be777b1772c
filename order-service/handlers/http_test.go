package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftea/resilience-system/events"
	"github.com/draftea/resilience-system/models"
	"github.com/draftea/resilience-system/order-service/application"
	orderinfra "github.com/draftea/resilience-system/order-service/infrastructure"
	"github.com/draftea/resilience-system/resilience"
	"github.com/draftea/resilience-system/saga"
)

func newTestRouter(t *testing.T, stock int, balanceCents int64) chi.Router {
	t.Helper()

	bus := events.NewInMemoryBus(nil)
	useCase := application.NewPlaceOrder(
		orderinfra.NewInMemoryInventoryService(stock),
		orderinfra.NewInMemoryPaymentService(models.NewMoney(balanceCents, "USD")),
		orderinfra.NewInMemoryShippingService(),
		resilience.NewRegistry(resilience.Config{}),
		resilience.NewExecutor("test", resilience.Policy{
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   time.Millisecond,
			Jitter:     resilience.NoJitter,
		}),
		saga.NewOrchestrator(),
		bus,
	)

	router := chi.NewRouter()
	NewOrderHandlers(useCase).RegisterRoutes(router)
	return router
}

func TestPlaceOrderHandler_Created(t *testing.T) {
	router := newTestRouter(t, 10, 100_00)

	body := `{"user_id":"user-1","amount":2500,"currency":"USD","quantity":1}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var response application.PlaceOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, string(saga.StatusCompleted), response.Status)
	assert.NotEmpty(t, response.OrderID)
}

func TestPlaceOrderHandler_BusinessRejectionIsConflict(t *testing.T) {
	router := newTestRouter(t, 10, 10_00)

	body := `{"user_id":"user-1","amount":5000,"currency":"USD","quantity":1}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)

	var response application.PlaceOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, string(saga.StatusCompensated), response.Status)
	assert.Contains(t, response.FailureReason, "insufficient funds")
}

func TestPlaceOrderHandler_InvalidBody(t *testing.T) {
	router := newTestRouter(t, 10, 100_00)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaceOrderHandler_InvalidCommand(t *testing.T) {
	router := newTestRouter(t, 10, 100_00)

	body := `{"user_id":"","amount":2500,"currency":"USD","quantity":1}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, 10, 100_00)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
