package matching

import (
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/shopspring/decimal"
)

// Level is one aggregated price level of a depth snapshot.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}

// Depth is an immutable snapshot of a pair's book, best levels first.
type Depth struct {
	Pair   string    `json:"pair"`
	Bids   []Level   `json:"bids"`
	Asks   []Level   `json:"asks"`
	Seq    uint64    `json:"seq"`
	At     time.Time `json:"at"`
	Paused bool      `json:"paused"`
}

// Opposite returns the levels an order on side would consume.
func (d Depth) Opposite(side domain.OrderSide) []Level {
	if side == domain.OrderSideBuy {
		return d.Asks
	}
	return d.Bids
}

// Total is the amount available against side across all levels.
func (d Depth) Total(side domain.OrderSide) decimal.Decimal {
	total := decimal.Zero
	for _, l := range d.Opposite(side) {
		total = total.Add(l.Amount)
	}
	return total
}

// FillableWithin returns the largest amount an order on side can take
// without its worst fill price moving more than slippageBps away from the
// best opposite price.
func (d Depth) FillableWithin(side domain.OrderSide, slippageBps int64) decimal.Decimal {
	levels := d.Opposite(side)
	if len(levels) == 0 {
		return decimal.Zero
	}
	best := levels[0].Price
	tol := best.Mul(decimal.NewFromInt(slippageBps)).Div(decimal.NewFromInt(10_000))
	total := decimal.Zero
	for _, l := range levels {
		if l.Price.Sub(best).Abs().GreaterThan(tol) {
			break
		}
		total = total.Add(l.Amount)
	}
	return total
}

// Walk simulates taking amount from the opposite side and returns the
// average fill price and the filled amount, which is less than amount when
// the book runs dry.
func (d Depth) Walk(side domain.OrderSide, amount decimal.Decimal) (avg, filled decimal.Decimal) {
	notional := decimal.Zero
	filled = decimal.Zero
	for _, l := range d.Opposite(side) {
		if !filled.LessThan(amount) {
			break
		}
		take := decimal.Min(l.Amount, amount.Sub(filled))
		notional = notional.Add(take.Mul(l.Price))
		filled = filled.Add(take)
	}
	if filled.IsZero() {
		return decimal.Zero, filled
	}
	return notional.Div(filled), filled
}

// Impact is the relative distance between the average fill price of amount
// and the best opposite price. ok is false when the book cannot fill amount.
func (d Depth) Impact(side domain.OrderSide, amount decimal.Decimal) (impact decimal.Decimal, ok bool) {
	levels := d.Opposite(side)
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	avg, filled := d.Walk(side, amount)
	if filled.LessThan(amount) {
		return decimal.Zero, false
	}
	best := levels[0].Price
	return avg.Sub(best).Abs().Div(best), true
}

// MarketStatus is the read-only summary served to dashboards.
type MarketStatus struct {
	Pair        string          `json:"pair"`
	BestBid     decimal.Decimal `json:"bestBid"`
	BestAsk     decimal.Decimal `json:"bestAsk"`
	HasBid      bool            `json:"hasBid"`
	HasAsk      bool            `json:"hasAsk"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	HasLast     bool            `json:"hasLast"`
	Volume24h   decimal.Decimal `json:"volume24h"`
	Paused      bool            `json:"paused"`
	PauseReason string          `json:"pauseReason,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
