package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/draftea/resilience-system/order-service/application"
	"github.com/draftea/resilience-system/saga"
)

// OrderHandlers contains order HTTP handlers
type OrderHandlers struct {
	placeOrder *application.PlaceOrder
}

// NewOrderHandlers creates new order handlers
func NewOrderHandlers(placeOrder *application.PlaceOrder) *OrderHandlers {
	return &OrderHandlers{placeOrder: placeOrder}
}

// PlaceOrder handles order placement requests
func (h *OrderHandlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var cmd application.PlaceOrderCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	response, err := h.placeOrder.Execute(r.Context(), &cmd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(response.Status))
	json.NewEncoder(w).Encode(response)
}

// statusCode maps the saga outcome to an HTTP status. A compensated saga is a
// clean business rejection; a failed one left partial state behind.
func statusCode(status string) int {
	switch saga.Status(status) {
	case saga.StatusCompleted:
		return http.StatusCreated
	case saga.StatusCompensated:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RegisterRoutes registers order routes
func (h *OrderHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.PlaceOrder)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.Handler())
}
