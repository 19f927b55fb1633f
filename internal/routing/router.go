// Package routing picks the venue for an order from local snapshots only.
package routing

import (
	"fmt"
	"sync/atomic"

	"github.com/alanyoungcy/hybridengine/internal/amm"
	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/alanyoungcy/hybridengine/internal/matching"
	"github.com/shopspring/decimal"
)

// crossoverSteps bounds the bisection inside the level where book impact
// overtakes pool impact.
const crossoverSteps = 40

// Config holds the venue thresholds in base units.
type Config struct {
	SmallSize          decimal.Decimal
	LargeSize          decimal.Decimal
	MaxBookSlippageBps int64
}

// Input is everything a routing decision may look at.
type Input struct {
	Order   domain.Order
	Pool    domain.PoolReserves
	PoolOK  bool // false when the pool is missing or stale
	Depth   matching.Depth
	Flagged bool
}

// Decision explains a route.
type Decision struct {
	Venue domain.Venue
	// BookCapacity is the size the book fills within slippage.
	BookCapacity decimal.Decimal
	// Crossover is the size past which the pool has lower impact.
	Crossover decimal.Decimal
	Reason    string
}

// Router is stateless apart from its thresholds, which may be swapped at
// runtime.
type Router struct {
	specs map[string]domain.PairSpec
	cfg   atomic.Pointer[Config]
}

// New creates a Router.
func New(specs []domain.PairSpec, cfg Config) *Router {
	r := &Router{specs: make(map[string]domain.PairSpec, len(specs))}
	for _, s := range specs {
		r.specs[s.Symbol] = s
	}
	r.cfg.Store(&cfg)
	return r
}

// SetConfig swaps the thresholds.
func (r *Router) SetConfig(cfg Config) { r.cfg.Store(&cfg) }

// Route returns the venue for in.Order.
func (r *Router) Route(in Input) (domain.Venue, error) {
	d, err := r.Decide(in)
	return d.Venue, err
}

// Decide is Route with the numbers behind the choice.
func (r *Router) Decide(in Input) (Decision, error) {
	o := in.Order
	if o.Kind() != domain.OrderKindMarket {
		return Decision{Venue: domain.VenueOrderbook, Reason: "resting order"}, nil
	}
	spec, ok := r.specs[o.Pair]
	if !ok {
		return Decision{}, fmt.Errorf("routing: %s: %w", o.Pair, domain.ErrUnsupportedPair)
	}
	cfg := r.cfg.Load()

	slippage := cfg.MaxBookSlippageBps
	if in.Flagged {
		slippage /= 2
	}
	capacity := in.Depth.FillableWithin(o.Side, slippage)
	d := Decision{BookCapacity: capacity}

	if !in.PoolOK || in.Pool.Empty() {
		if !o.Amount.GreaterThan(in.Depth.Total(o.Side)) {
			d.Venue, d.Reason = domain.VenueOrderbook, "pool unavailable"
			return d, nil
		}
		return d, fmt.Errorf("routing: %s %s: pool unavailable and book too thin: %w",
			o.Side, o.Amount, domain.ErrInsufficientLiquidity)
	}

	switch {
	case !o.Amount.LessThan(cfg.LargeSize):
		d.Venue, d.Reason = domain.VenueAMM, "large order"
	case o.Amount.LessThan(cfg.SmallSize):
		if !o.Amount.GreaterThan(capacity) {
			d.Venue, d.Reason = domain.VenueOrderbook, "small order within book slippage"
		} else {
			d.Venue, d.Reason = domain.VenueAMM, "small order beyond book slippage"
		}
	default:
		d.Crossover = Crossover(spec, in.Pool, in.Depth, o.Side, capacity)
		if !o.Amount.GreaterThan(decimal.Min(capacity, d.Crossover)) {
			d.Venue, d.Reason = domain.VenueOrderbook, "book impact lower"
		} else {
			d.Venue, d.Reason = domain.VenueAMM, "pool impact lower"
		}
	}
	return d, nil
}

// Crossover returns the largest size, at most limit, up to which taking the
// book costs no more than swapping on the pool. It depends only on the
// snapshots, never on the order being routed.
func Crossover(spec domain.PairSpec, pool domain.PoolReserves, depth matching.Depth, side domain.OrderSide, limit decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		return decimal.Zero
	}
	bookCheaper := func(size decimal.Decimal) bool {
		bi, ok := depth.Impact(side, size)
		if !ok {
			return false
		}
		q, err := amm.QuoteAgainst(spec, pool, side, size)
		if err != nil {
			// The pool cannot take this size at all.
			return true
		}
		return !bi.GreaterThan(q.PriceImpact)
	}

	lo := decimal.Zero
	cum := decimal.Zero
	for _, l := range depth.Opposite(side) {
		next := decimal.Min(cum.Add(l.Amount), limit)
		if !bookCheaper(next) {
			return bisect(lo, next, spec.BaseDecimals, bookCheaper)
		}
		lo = next
		if !next.LessThan(limit) {
			break
		}
		cum = next
	}
	return lo
}

// bisect finds the largest size in [lo, hi) for which ok holds, given ok(lo)
// and !ok(hi).
func bisect(lo, hi decimal.Decimal, places int32, ok func(decimal.Decimal) bool) decimal.Decimal {
	two := decimal.NewFromInt(2)
	for i := 0; i < crossoverSteps; i++ {
		mid := lo.Add(hi).Div(two).Truncate(places)
		if !mid.GreaterThan(lo) {
			break
		}
		if ok(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}
