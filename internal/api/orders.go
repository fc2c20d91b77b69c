package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinyplat/idemgate/pkg/httpx"
)

// The orders endpoint is the demo business operation behind the idempotency
// middleware; it stands in for whatever handler a real deployment protects.

type createOrderRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	Currency   string `json:"currency" validate:"required,len=3"`
}

type orderResponse struct {
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	order := orderResponse{
		OrderID:    "ord_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		CustomerID: req.CustomerID,
		Amount:     req.Amount,
		Currency:   strings.ToUpper(req.Currency),
		CreatedAt:  time.Now().UTC(),
	}
	httpx.WriteJSON(w, http.StatusCreated, order)
}
