// Package validator normalizes raw order requests into domain orders.
package validator

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RawOrder is an order request as it arrives from a transport. All numeric
// fields are decimal strings so no precision is lost before validation.
type RawOrder struct {
	Pair      string
	Side      string
	Type      string
	Amount    string
	Price     string
	StopPrice string
	Priority  string
	Confirm   bool
	UserID    string
	SourceIP  string
}

// PriceReference returns a mark price used to value market orders. Callers
// typically pass the last trade price of the book.
type PriceReference func(pair string) (decimal.Decimal, bool)

// Validator checks raw orders against the configured pairs and caps.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	pairs       map[string]domain.PairSpec
	maxNotional decimal.Decimal
	mark        PriceReference
	now         func() time.Time
	newID       func() string
}

// Option customizes a Validator.
type Option func(*Validator)

// WithClock overrides the submission timestamp source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithIDs overrides order ID generation.
func WithIDs(gen func() string) Option {
	return func(v *Validator) { v.newID = gen }
}

// WithPriceReference sets the mark price source for market orders.
func WithPriceReference(ref PriceReference) Option {
	return func(v *Validator) { v.mark = ref }
}

// New creates a Validator for the given pairs and per-order notional cap.
func New(pairs []domain.PairSpec, maxNotional decimal.Decimal, opts ...Option) *Validator {
	v := &Validator{
		pairs:       make(map[string]domain.PairSpec, len(pairs)),
		maxNotional: maxNotional,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, p := range pairs {
		v.pairs[p.Symbol] = p
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Pair returns the spec of a supported pair.
func (v *Validator) Pair(symbol string) (domain.PairSpec, bool) {
	p, ok := v.pairs[symbol]
	return p, ok
}

// Validate turns raw into an immutable Order or returns an error wrapping
// domain.ErrMalformedOrder, domain.ErrUnsupportedPair or
// domain.ErrNotionalTooLarge.
func (v *Validator) Validate(raw RawOrder) (domain.Order, error) {
	pair := strings.ToUpper(strings.TrimSpace(raw.Pair))
	spec, ok := v.pairs[pair]
	if !ok {
		return domain.Order{}, fmt.Errorf("validator: %q: %w", raw.Pair, domain.ErrUnsupportedPair)
	}

	side, err := parseSide(raw.Side)
	if err != nil {
		return domain.Order{}, err
	}

	amount, err := parsePositive("amount", raw.Amount)
	if err != nil {
		return domain.Order{}, err
	}
	if scaled := amount.Shift(spec.BaseDecimals); !scaled.Equal(scaled.Truncate(0)) {
		return domain.Order{}, fmt.Errorf("validator: amount has more than %d decimals: %w",
			spec.BaseDecimals, domain.ErrMalformedOrder)
	}

	priority, err := parsePriority(raw.Priority)
	if err != nil {
		return domain.Order{}, err
	}

	var (
		typ       domain.OrderType
		unitPrice decimal.Decimal
	)
	switch strings.ToLower(strings.TrimSpace(raw.Type)) {
	case "market", "":
		typ = domain.Market{}
		unitPrice = spec.ReferencePrice
		if v.mark != nil {
			if p, ok := v.mark(pair); ok && p.IsPositive() {
				unitPrice = p
			}
		}
	case "limit":
		if strings.TrimSpace(raw.Price) == "" {
			return domain.Order{}, fmt.Errorf("validator: limit order requires a price: %w", domain.ErrMalformedOrder)
		}
		price, err := parsePositive("price", raw.Price)
		if err != nil {
			return domain.Order{}, err
		}
		typ = domain.Limit{Price: price}
		unitPrice = price
	case "stop":
		trigger := raw.StopPrice
		if strings.TrimSpace(trigger) == "" {
			trigger = raw.Price
		}
		if strings.TrimSpace(trigger) == "" {
			return domain.Order{}, fmt.Errorf("validator: stop order requires a stop price: %w", domain.ErrMalformedOrder)
		}
		price, err := parsePositive("stop price", trigger)
		if err != nil {
			return domain.Order{}, err
		}
		typ = domain.Stop{Trigger: price}
		unitPrice = price
	default:
		return domain.Order{}, fmt.Errorf("validator: unknown order type %q: %w", raw.Type, domain.ErrMalformedOrder)
	}

	notional := amount.Mul(unitPrice)
	if v.maxNotional.IsPositive() && notional.GreaterThan(v.maxNotional) {
		return domain.Order{}, fmt.Errorf("validator: notional %s exceeds cap %s: %w",
			notional.StringFixed(2), v.maxNotional.StringFixed(2), domain.ErrNotionalTooLarge)
	}

	return domain.Order{
		ID:          v.newID(),
		UserID:      raw.UserID,
		SourceIP:    raw.SourceIP,
		Pair:        pair,
		Side:        side,
		Type:        typ,
		Amount:      amount,
		Priority:    priority,
		Confirmed:   raw.Confirm,
		SubmittedAt: v.now(),
	}, nil
}

// Notional values an order the same way Validate does for the cap.
func (v *Validator) Notional(o domain.Order) decimal.Decimal {
	switch t := o.Type.(type) {
	case domain.Limit:
		return o.Amount.Mul(t.Price)
	case domain.Stop:
		return o.Amount.Mul(t.Trigger)
	}
	price := v.pairs[o.Pair].ReferencePrice
	if v.mark != nil {
		if p, ok := v.mark(o.Pair); ok && p.IsPositive() {
			price = p
		}
	}
	return o.Amount.Mul(price)
}

func parseSide(s string) (domain.OrderSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return domain.OrderSideBuy, nil
	case "sell":
		return domain.OrderSideSell, nil
	}
	return "", fmt.Errorf("validator: unknown side %q: %w", s, domain.ErrMalformedOrder)
}

func parsePriority(s string) (domain.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return domain.PriorityNormal, nil
	case "high":
		return domain.PriorityHigh, nil
	case "urgent":
		return domain.PriorityUrgent, nil
	}
	return "", fmt.Errorf("validator: unknown priority %q: %w", s, domain.ErrMalformedOrder)
}

// Numeric inputs are bounded before any arithmetic: decimal scales to the
// exponent, so "1e9999999" would otherwise allocate millions of digits.
const (
	maxNumberLen = 64
	minExponent  = -maxNumberLen
	maxExponent  = 40
)

func parsePositive(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if len(s) > maxNumberLen {
		return decimal.Zero, fmt.Errorf("validator: %s longer than %d characters: %w", field, maxNumberLen, domain.ErrMalformedOrder)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("validator: %s %q is not a number: %w", field, s, domain.ErrMalformedOrder)
	}
	if exp := d.Exponent(); exp < minExponent || exp > maxExponent {
		return decimal.Zero, fmt.Errorf("validator: %s %q is out of range: %w", field, s, domain.ErrMalformedOrder)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("validator: %s must be positive: %w", field, domain.ErrMalformedOrder)
	}
	return d, nil
}
