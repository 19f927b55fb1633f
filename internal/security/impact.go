package security

import (
	"fmt"

	"github.com/alanyoungcy/hybridengine/internal/amm"
	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/shopspring/decimal"
)

// ImpactCap is the largest pool price move allowed in one swap. Flagged
// identities get the cap scaled by the flagged factor.
func (g *Guard) ImpactCap(flagged bool) decimal.Decimal {
	cfg := g.cfg.Load()
	limit := cfg.MaxPriceImpact
	if flagged && cfg.FlaggedImpactFactor.IsPositive() {
		limit = limit.Mul(cfg.FlaggedImpactFactor)
	}
	return limit
}

// CheckPriceImpact applies the circuit breaker to an AMM-bound market order
// quoted as q. It returns the amount that may be swapped: the full amount,
// or under the downsize policy the largest amount whose pool move fits the
// cap. Rejections wrap domain.ErrPriceImpact.
func (g *Guard) CheckPriceImpact(spec domain.PairSpec, o domain.Order, q amm.Quote, flagged bool) (decimal.Decimal, error) {
	limit := g.ImpactCap(flagged)
	if !limit.IsPositive() || !q.PoolPriceMove.GreaterThan(limit) {
		return q.Amount, nil
	}
	if g.cfg.Load().ImpactPolicy != ImpactDownsize {
		return decimal.Zero, fmt.Errorf("security: order %s moves pool %s%% (cap %s%%): %w",
			o.ID, pct(q.PoolPriceMove), pct(limit), domain.ErrPriceImpact)
	}
	allowed := amm.MaxAmountWithin(spec, q.Reserves, q.Side, q.Amount, limit)
	if !allowed.IsPositive() {
		return decimal.Zero, fmt.Errorf("security: order %s: no size fits impact cap %s%%: %w",
			o.ID, pct(limit), domain.ErrPriceImpact)
	}
	return allowed, nil
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
