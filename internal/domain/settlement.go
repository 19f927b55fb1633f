package domain

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// SettlementStatus tracks a settlement request through the queue.
type SettlementStatus string

const (
	SettlementQueued    SettlementStatus = "queued"
	SettlementInFlight  SettlementStatus = "in_flight"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
	SettlementAbandoned SettlementStatus = "abandoned"
)

// Terminal reports whether the queue has released the request.
func (s SettlementStatus) Terminal() bool {
	return s == SettlementConfirmed || s == SettlementFailed || s == SettlementAbandoned
}

// SwapInstruction is what the chain client needs to submit a pool swap.
// Sells are exact-in (AmountIn base, MinOut quote); buys are exact-out
// (AmountOut base, MaxIn quote).
type SwapInstruction struct {
	Pair      string
	Side      OrderSide
	ExactIn   bool
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
	Limit     *uint256.Int // min out for exact-in, max in for exact-out
	Deadline  time.Time
}

// SettlementRequest is owned by the settlement queue until it is terminal.
type SettlementRequest struct {
	ID             string
	OrderID        string
	DedupKey       string
	Pair           string
	Venue          Venue
	ExpectedAmount decimal.Decimal
	ExpectedPrice  decimal.Decimal
	Attempts       int
	Status         SettlementStatus
	TxHash         string
	Priority       Priority
	Reason         string
	Swap           *SwapInstruction
	Fill           *Fill
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SubmittedAt    *time.Time
	ConfirmedAt    *time.Time
}

// ConfirmationStatus is what a venue reports about a submitted settlement.
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationReverted  ConfirmationStatus = "reverted"
)

// Confirmation is a venue's answer for one transaction.
type Confirmation struct {
	TxHash      string
	Status      ConfirmationStatus
	AmountOut   *uint256.Int
	BlockNumber uint64
}

// CompletionEvent is emitted exactly once per settlement request when it
// reaches a terminal status.
type CompletionEvent struct {
	SettlementID string
	OrderID      string
	Pair         string
	Venue        Venue
	Status       SettlementStatus
	TxHash       string
	Reason       string
	Amount       decimal.Decimal
	Price        decimal.Decimal
	Attempts     int
	Latency      time.Duration
	At           time.Time
}
