package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// Amounts travel as text so NUMERIC keeps full precision in both directions.

func decText(d decimal.Decimal) string { return d.String() }

func optDecText(d decimal.Decimal, ok bool) *string {
	if !ok {
		return nil
	}
	s := d.String()
	return &s
}

func parseDec(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

func orderType(kind string, price, stop *string) (domain.OrderType, error) {
	switch domain.OrderKind(kind) {
	case domain.OrderKindMarket:
		return domain.Market{}, nil
	case domain.OrderKindLimit:
		if price == nil {
			return nil, fmt.Errorf("limit order without price")
		}
		p, err := parseDec(*price)
		if err != nil {
			return nil, err
		}
		return domain.Limit{Price: p}, nil
	case domain.OrderKindStop:
		if stop == nil {
			return nil, fmt.Errorf("stop order without trigger")
		}
		t, err := parseDec(*stop)
		if err != nil {
			return nil, err
		}
		return domain.Stop{Trigger: t}, nil
	}
	return nil, fmt.Errorf("unknown order type %q", kind)
}

// swapJSON is the JSONB form of a swap instruction. Token amounts are
// decimal strings of raw units.
type swapJSON struct {
	Pair      string    `json:"pair"`
	Side      string    `json:"side"`
	ExactIn   bool      `json:"exactIn"`
	AmountIn  string    `json:"amountIn"`
	AmountOut string    `json:"amountOut"`
	Limit     string    `json:"limit"`
	Deadline  time.Time `json:"deadline"`
}

func u256Text(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func encodeSwap(s *domain.SwapInstruction) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(swapJSON{
		Pair:      s.Pair,
		Side:      string(s.Side),
		ExactIn:   s.ExactIn,
		AmountIn:  u256Text(s.AmountIn),
		AmountOut: u256Text(s.AmountOut),
		Limit:     u256Text(s.Limit),
		Deadline:  s.Deadline,
	})
}

func decodeSwap(b []byte) (*domain.SwapInstruction, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var j swapJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("decode swap: %w", err)
	}
	in, err := uint256.FromDecimal(j.AmountIn)
	if err != nil {
		return nil, fmt.Errorf("decode swap amountIn: %w", err)
	}
	out, err := uint256.FromDecimal(j.AmountOut)
	if err != nil {
		return nil, fmt.Errorf("decode swap amountOut: %w", err)
	}
	limit, err := uint256.FromDecimal(j.Limit)
	if err != nil {
		return nil, fmt.Errorf("decode swap limit: %w", err)
	}
	return &domain.SwapInstruction{
		Pair:      j.Pair,
		Side:      domain.OrderSide(j.Side),
		ExactIn:   j.ExactIn,
		AmountIn:  in,
		AmountOut: out,
		Limit:     limit,
		Deadline:  j.Deadline,
	}, nil
}

// fillJSON is the JSONB form of a ledger fill carried by a settlement.
type fillJSON struct {
	ID                  string          `json:"id"`
	OrderID             string          `json:"orderId"`
	CounterpartyOrderID string          `json:"counterpartyOrderId,omitempty"`
	Pair                string          `json:"pair"`
	Side                string          `json:"side"`
	Price               decimal.Decimal `json:"price"`
	Amount              decimal.Decimal `json:"amount"`
	Venue               string          `json:"venue"`
	Timestamp           time.Time       `json:"timestamp"`
}

func encodeFill(f *domain.Fill) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(fillJSON{
		ID:                  f.ID,
		OrderID:             f.OrderID,
		CounterpartyOrderID: f.CounterpartyOrderID,
		Pair:                f.Pair,
		Side:                string(f.Side),
		Price:               f.Price,
		Amount:              f.Amount,
		Venue:               string(f.Venue),
		Timestamp:           f.Timestamp,
	})
}

func decodeFill(b []byte) (*domain.Fill, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var j fillJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("decode fill: %w", err)
	}
	return &domain.Fill{
		ID:                  j.ID,
		OrderID:             j.OrderID,
		CounterpartyOrderID: j.CounterpartyOrderID,
		Pair:                j.Pair,
		Side:                domain.OrderSide(j.Side),
		Price:               j.Price,
		Amount:              j.Amount,
		Venue:               domain.Venue(j.Venue),
		Timestamp:           j.Timestamp,
	}, nil
}

// rangeClause appends Since/Until bounds on col starting at argIdx and
// returns the next free placeholder index.
func rangeClause(col string, opts domain.ListOpts, args []any, argIdx int) (string, []any, int) {
	var q string
	if opts.Since != nil {
		q += fmt.Sprintf(" AND %s >= $%d", col, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		q += fmt.Sprintf(" AND %s <= $%d", col, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	return q, args, argIdx
}

// pageClause appends LIMIT/OFFSET placeholders starting at argIdx.
func pageClause(opts domain.ListOpts, args []any, argIdx int) (string, []any) {
	var q string
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return q, args
}
