package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderKind names the OrderType variant.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
	OrderKindStop   OrderKind = "stop"
)

// OrderType is the sealed variant of supported order types. Only Market,
// Limit and Stop implement it.
type OrderType interface {
	Kind() OrderKind
	isOrderType()
}

// Market executes immediately against whatever liquidity is available.
type Market struct{}

// Limit rests in the book at Price when it cannot be filled immediately.
type Limit struct {
	Price decimal.Decimal
}

// Stop becomes a market order once the last trade price crosses Trigger.
type Stop struct {
	Trigger decimal.Decimal
}

func (Market) Kind() OrderKind { return OrderKindMarket }
func (Limit) Kind() OrderKind  { return OrderKindLimit }
func (Stop) Kind() OrderKind   { return OrderKindStop }

func (Market) isOrderType() {}
func (Limit) isOrderType()  {}
func (Stop) isOrderType()   {}

// Priority tags an order for settlement scheduling.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities; higher is served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusRouted          OrderStatus = "routed"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusFailed          OrderStatus = "failed"
	OrderStatusCanceled        OrderStatus = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusFailed, OrderStatusCanceled:
		return true
	}
	return false
}

// Venue is where an order executes.
type Venue string

const (
	VenueOrderbook Venue = "orderbook"
	VenueAMM       Venue = "amm"
)

// Order is an immutable trade intent. Corrections are new orders.
type Order struct {
	ID          string
	UserID      string
	SourceIP    string
	Pair        string
	Side        OrderSide
	Type        OrderType
	Amount      decimal.Decimal // base units
	Priority    Priority
	Confirmed   bool
	SubmittedAt time.Time
}

// LimitPrice returns the limit price for limit orders.
func (o Order) LimitPrice() (decimal.Decimal, bool) {
	if l, ok := o.Type.(Limit); ok {
		return l.Price, true
	}
	return decimal.Zero, false
}

// StopTrigger returns the trigger price for stop orders.
func (o Order) StopTrigger() (decimal.Decimal, bool) {
	if s, ok := o.Type.(Stop); ok {
		return s.Trigger, true
	}
	return decimal.Zero, false
}

// Kind is shorthand for o.Type.Kind().
func (o Order) Kind() OrderKind {
	if o.Type == nil {
		return ""
	}
	return o.Type.Kind()
}

// OrderState is the mutable companion of an Order.
type OrderState struct {
	Status          OrderStatus
	FilledAmount    decimal.Decimal
	FilledNotional  decimal.Decimal
	Fills           int
	Venue           Venue
	Reason          string
	SecurityWarning bool
	SettlementID    string
	UpdatedAt       time.Time
}

// AveragePrice is the volume-weighted fill price, zero when nothing filled.
func (s OrderState) AveragePrice() decimal.Decimal {
	if s.FilledAmount.IsZero() {
		return decimal.Zero
	}
	return s.FilledNotional.Div(s.FilledAmount)
}

// Fill is a single match result. Fills are append-only.
type Fill struct {
	ID                  string
	OrderID             string
	CounterpartyOrderID string // empty for AMM fills
	Pair                string
	Side                OrderSide
	Price               decimal.Decimal
	Amount              decimal.Decimal
	Venue               Venue
	Timestamp           time.Time
}

// Notional returns price * amount.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Amount)
}

// Identity is the caller as seen by the security layer.
type Identity struct {
	UserID   string
	SourceIP string
}
