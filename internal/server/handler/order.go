package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/alanyoungcy/hybridengine/internal/server/middleware"
	"github.com/alanyoungcy/hybridengine/internal/service"
	"github.com/alanyoungcy/hybridengine/internal/validator"
	"github.com/shopspring/decimal"
)

// maxOrderBody caps POST /orders request bodies.
const maxOrderBody = 16 << 10

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	Submit(ctx context.Context, raw validator.RawOrder) (service.Result, error)
	Cancel(ctx context.Context, orderID, userID string) (service.OrderView, error)
	GetOrder(ctx context.Context, id string) (service.OrderView, error)
	ListOrders(ctx context.Context, userID string, opts domain.ListOpts) ([]service.OrderView, error)
	GetSettlement(ctx context.Context, orderID string) (domain.SettlementRequest, error)
}

// OrderHandler serves order and settlement endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logHandler(logger, "orders")}
}

type placeOrderRequest struct {
	Pair      string          `json:"pair"`
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	Amount    json.RawMessage `json:"amount"`
	Price     json.RawMessage `json:"price,omitempty"`
	StopPrice json.RawMessage `json:"stopPrice,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	Confirm   bool            `json:"confirm,omitempty"`
}

type summaryResponse struct {
	TotalFilled  decimal.Decimal `json:"totalFilled"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
	TotalChunks  int             `json:"totalChunks"`
}

type placeOrderResponse struct {
	OrderID         string           `json:"orderId"`
	Status          string           `json:"status"`
	Venue           string           `json:"venue,omitempty"`
	SecurityWarning bool             `json:"securityWarning,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	SettlementID    string           `json:"settlementId,omitempty"`
	Accepted        *decimal.Decimal `json:"accepted,omitempty"`
	Summary         summaryResponse  `json:"summary"`
}

type fillResponse struct {
	ID                  string          `json:"id"`
	CounterpartyOrderID string          `json:"counterpartyOrderId,omitempty"`
	Price               decimal.Decimal `json:"price"`
	Amount              decimal.Decimal `json:"amount"`
	Venue               string          `json:"venue"`
	Timestamp           time.Time       `json:"timestamp"`
}

type orderResponse struct {
	OrderID         string           `json:"orderId"`
	Pair            string           `json:"pair"`
	Side            string           `json:"side"`
	Type            string           `json:"type"`
	Amount          decimal.Decimal  `json:"amount"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	StopPrice       *decimal.Decimal `json:"stopPrice,omitempty"`
	Priority        string           `json:"priority"`
	Status          string           `json:"status"`
	Venue           string           `json:"venue,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	SecurityWarning bool             `json:"securityWarning"`
	SettlementID    string           `json:"settlementId,omitempty"`
	Summary         summaryResponse  `json:"summary"`
	Fills           []fillResponse   `json:"fills"`
	SubmittedAt     time.Time        `json:"submittedAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

type settlementResponse struct {
	SettlementID string     `json:"settlementId"`
	OrderID      string     `json:"orderId"`
	Venue        string     `json:"venue"`
	Status       string     `json:"status"`
	TxHash       string     `json:"txHash,omitempty"`
	Attempts     int        `json:"attempts"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	SubmittedAt  *time.Time `json:"submittedAt,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmedAt,omitempty"`
}

// numberText accepts amounts as JSON strings or numbers.
func numberText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// PlaceOrder validates, routes and executes an order.
// POST /orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOrderBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Reason: "malformed_order"})
		return
	}

	id, _ := middleware.IdentityFrom(r.Context())
	res, err := h.orders.Submit(r.Context(), validator.RawOrder{
		Pair:      req.Pair,
		Side:      req.Side,
		Type:      req.Type,
		Amount:    numberText(req.Amount),
		Price:     numberText(req.Price),
		StopPrice: numberText(req.StopPrice),
		Priority:  req.Priority,
		Confirm:   req.Confirm,
		UserID:    id.UserID,
		SourceIP:  id.SourceIP,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err, errorBody{
			Reason:          res.Reason,
			OrderID:         res.OrderID,
			Status:          string(res.Status),
			RetryAfter:      retrySeconds(res.RetryAfter),
			SecurityWarning: res.SecurityWarning,
		})
		return
	}
	writeJSON(w, http.StatusCreated, toPlaceResponse(res))
}

func toPlaceResponse(res service.Result) placeOrderResponse {
	out := placeOrderResponse{
		OrderID:         res.OrderID,
		Status:          string(res.Status),
		Venue:           string(res.Venue),
		SecurityWarning: res.SecurityWarning,
		Reason:          res.Reason,
		SettlementID:    res.SettlementID,
		Summary: summaryResponse{
			TotalFilled:  res.Summary.TotalFilled,
			AveragePrice: res.Summary.AveragePrice,
			TotalChunks:  res.Summary.TotalChunks,
		},
	}
	if res.Accepted.IsPositive() {
		a := res.Accepted
		out.Accepted = &a
	}
	return out
}

func toOrderResponse(v service.OrderView) orderResponse {
	out := orderResponse{
		OrderID:         v.Order.ID,
		Pair:            v.Order.Pair,
		Side:            string(v.Order.Side),
		Type:            string(v.Order.Kind()),
		Amount:          v.Order.Amount,
		Priority:        string(v.Order.Priority),
		Status:          string(v.State.Status),
		Venue:           string(v.State.Venue),
		Reason:          v.State.Reason,
		SecurityWarning: v.State.SecurityWarning,
		SettlementID:    v.State.SettlementID,
		Summary: summaryResponse{
			TotalFilled:  v.State.FilledAmount,
			AveragePrice: v.State.AveragePrice(),
			TotalChunks:  v.State.Fills,
		},
		Fills:       make([]fillResponse, 0, len(v.Fills)),
		SubmittedAt: v.Order.SubmittedAt,
		UpdatedAt:   v.State.UpdatedAt,
	}
	if p, ok := v.Order.LimitPrice(); ok {
		out.Price = &p
	}
	if p, ok := v.Order.StopTrigger(); ok {
		out.StopPrice = &p
	}
	for _, f := range v.Fills {
		out.Fills = append(out.Fills, fillResponse{
			ID:                  f.ID,
			CounterpartyOrderID: f.CounterpartyOrderID,
			Price:               f.Price,
			Amount:              f.Amount,
			Venue:               string(f.Venue),
			Timestamp:           f.Timestamp,
		})
	}
	return out
}

// owned loads an order visible to the caller. Other users' orders are
// reported as missing.
func (h *OrderHandler) owned(r *http.Request, id string) (service.OrderView, error) {
	v, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		return service.OrderView{}, err
	}
	caller, authed := middleware.IdentityFrom(r.Context())
	if authed && v.Order.UserID != caller.UserID {
		return service.OrderView{}, domain.ErrNotFound
	}
	return v, nil
}

// GetOrder returns an order with its state and fills.
// GET /orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	v, err := h.owned(r, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, errorBody{})
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(v))
}

// ListOrders returns the caller's orders, newest first.
// GET /orders?limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.IdentityFrom(r.Context())
	views, err := h.orders.ListOrders(r.Context(), caller.UserID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err, errorBody{})
		return
	}
	out := make([]orderResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toOrderResponse(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

// CancelOrder cancels a resting order.
// DELETE /orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	caller, authed := middleware.IdentityFrom(r.Context())
	owner := ""
	if authed {
		owner = caller.UserID
	}
	v, err := h.orders.Cancel(r.Context(), id, owner)
	if err != nil {
		writeDomainError(w, r, h.logger, err, errorBody{OrderID: id})
		return
	}
	h.logger.InfoContext(r.Context(), "order canceled",
		slog.String("order_id", id),
		slog.String("user", caller.UserID),
	)
	writeJSON(w, http.StatusOK, toOrderResponse(v))
}

// GetSettlement returns the latest settlement for an order.
// GET /settlements/{orderId}
func (h *OrderHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderId")
	if _, err := h.owned(r, orderID); err != nil {
		writeDomainError(w, r, h.logger, err, errorBody{OrderID: orderID})
		return
	}
	req, err := h.orders.GetSettlement(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, r, h.logger, err, errorBody{OrderID: orderID})
		return
	}
	writeJSON(w, http.StatusOK, settlementResponse{
		SettlementID: req.ID,
		OrderID:      req.OrderID,
		Venue:        string(req.Venue),
		Status:       string(req.Status),
		TxHash:       req.TxHash,
		Attempts:     req.Attempts,
		Reason:       req.Reason,
		CreatedAt:    req.CreatedAt,
		SubmittedAt:  req.SubmittedAt,
		ConfirmedAt:  req.ConfirmedAt,
	})
}
