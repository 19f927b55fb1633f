// Package amm quotes and executes swaps against constant-product pools.
//
// Quotes use the same integer arithmetic as Uniswap V2 style pair contracts
// (fee in basis points, truncating division, +1 on exact-output inputs), so
// the amounts the engine expects match what the contract will compute.
package amm

import (
	"fmt"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const bpsDenominator = 10_000

// Quote is the simulated result of swapping Amount base units.
type Quote struct {
	Pair   string
	Side   domain.OrderSide
	Amount decimal.Decimal // base amount requested

	// Token units. Sells pay base and receive quote; buys pay quote and
	// receive base.
	AmountIn  *uint256.Int
	AmountOut *uint256.Int

	ExpectedOut   decimal.Decimal // AmountOut in whole tokens
	SpotPrice     decimal.Decimal // quote per base before the swap
	ExecPrice     decimal.Decimal // quote per base paid or received
	PriceImpact   decimal.Decimal // |exec - spot| / spot, fee included
	PoolPriceMove decimal.Decimal // |spot after - spot before| / spot before
	Reserves      domain.PoolReserves
}

// AmountOut mirrors getAmountOut: the output for an exact input.
func AmountOut(amountIn, reserveIn, reserveOut *uint256.Int, feeBps uint64) (*uint256.Int, error) {
	if amountIn.IsZero() {
		return nil, fmt.Errorf("amm: zero input: %w", domain.ErrInsufficientLiquidity)
	}
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, fmt.Errorf("amm: empty pool: %w", domain.ErrPoolUnavailable)
	}
	withFee, of1 := new(uint256.Int).MulOverflow(amountIn, uint256.NewInt(bpsDenominator-feeBps))
	num, of2 := new(uint256.Int).MulOverflow(withFee, reserveOut)
	den, of3 := new(uint256.Int).MulOverflow(reserveIn, uint256.NewInt(bpsDenominator))
	den, of4 := den.AddOverflow(den, withFee)
	if of1 || of2 || of3 || of4 {
		return nil, fmt.Errorf("amm: amount overflows pool math: %w", domain.ErrInsufficientLiquidity)
	}
	out := new(uint256.Int).Div(num, den)
	if out.IsZero() {
		return nil, fmt.Errorf("amm: output rounds to zero: %w", domain.ErrInsufficientLiquidity)
	}
	if !out.Lt(reserveOut) {
		return nil, fmt.Errorf("amm: output drains pool: %w", domain.ErrInsufficientLiquidity)
	}
	return out, nil
}

// AmountIn mirrors getAmountIn: the input required for an exact output.
func AmountIn(amountOut, reserveIn, reserveOut *uint256.Int, feeBps uint64) (*uint256.Int, error) {
	if amountOut.IsZero() {
		return nil, fmt.Errorf("amm: zero output: %w", domain.ErrInsufficientLiquidity)
	}
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, fmt.Errorf("amm: empty pool: %w", domain.ErrPoolUnavailable)
	}
	if !amountOut.Lt(reserveOut) {
		return nil, fmt.Errorf("amm: output drains pool: %w", domain.ErrInsufficientLiquidity)
	}
	num, of1 := new(uint256.Int).MulOverflow(reserveIn, amountOut)
	num, of2 := num.MulOverflow(num, uint256.NewInt(bpsDenominator))
	den, of3 := new(uint256.Int).MulOverflow(new(uint256.Int).Sub(reserveOut, amountOut), uint256.NewInt(bpsDenominator-feeBps))
	if of1 || of2 || of3 {
		return nil, fmt.Errorf("amm: amount overflows pool math: %w", domain.ErrInsufficientLiquidity)
	}
	in := new(uint256.Int).Div(num, den)
	return in.AddUint64(in, 1), nil
}

// SpotPrice is quote per base implied by the reserves.
func SpotPrice(spec domain.PairSpec, base, quote *uint256.Int) decimal.Decimal {
	b := spec.FromBaseUnits(base)
	if b.IsZero() {
		return decimal.Zero
	}
	return spec.FromQuoteUnits(quote).Div(b)
}

// QuoteAgainst simulates swapping amount base units on side against res.
// It does not touch any shared state.
func QuoteAgainst(spec domain.PairSpec, res domain.PoolReserves, side domain.OrderSide, amount decimal.Decimal) (Quote, error) {
	if res.Empty() {
		return Quote{}, fmt.Errorf("amm: %s: %w", spec.Symbol, domain.ErrPoolUnavailable)
	}
	baseUnits := spec.ToBaseUnits(amount)
	if baseUnits.IsZero() {
		return Quote{}, fmt.Errorf("amm: amount below token precision: %w", domain.ErrInsufficientLiquidity)
	}

	q := Quote{
		Pair:      spec.Symbol,
		Side:      side,
		Amount:    amount,
		SpotPrice: SpotPrice(spec, res.Base, res.Quote),
		Reserves:  res,
	}

	var newBase, newQuote *uint256.Int
	switch side {
	case domain.OrderSideSell:
		out, err := AmountOut(baseUnits, res.Base, res.Quote, res.FeeBps)
		if err != nil {
			return Quote{}, err
		}
		q.AmountIn, q.AmountOut = baseUnits, out
		q.ExpectedOut = spec.FromQuoteUnits(out)
		q.ExecPrice = q.ExpectedOut.Div(amount)
		newBase = new(uint256.Int).Add(res.Base, baseUnits)
		newQuote = new(uint256.Int).Sub(res.Quote, out)
	case domain.OrderSideBuy:
		in, err := AmountIn(baseUnits, res.Quote, res.Base, res.FeeBps)
		if err != nil {
			return Quote{}, err
		}
		q.AmountIn, q.AmountOut = in, baseUnits
		q.ExpectedOut = spec.FromBaseUnits(baseUnits)
		q.ExecPrice = spec.FromQuoteUnits(in).Div(amount)
		newBase = new(uint256.Int).Sub(res.Base, baseUnits)
		newQuote = new(uint256.Int).Add(res.Quote, in)
	default:
		return Quote{}, fmt.Errorf("amm: unknown side %q: %w", side, domain.ErrMalformedOrder)
	}

	if q.SpotPrice.IsPositive() {
		q.PriceImpact = q.ExecPrice.Sub(q.SpotPrice).Abs().Div(q.SpotPrice)
		after := SpotPrice(spec, newBase, newQuote)
		q.PoolPriceMove = after.Sub(q.SpotPrice).Abs().Div(q.SpotPrice)
	}
	return q, nil
}

// MaxAmountWithin finds the largest base amount on side whose pool price
// move stays within maxMove. The result is truncated to the base token's
// precision and is zero when even the smallest unit moves the pool too far.
func MaxAmountWithin(spec domain.PairSpec, res domain.PoolReserves, side domain.OrderSide, upper, maxMove decimal.Decimal) decimal.Decimal {
	unit := decimal.New(1, -spec.BaseDecimals)
	lo, hi := decimal.Zero, upper
	if q, err := QuoteAgainst(spec, res, side, hi); err == nil && !q.PoolPriceMove.GreaterThan(maxMove) {
		return hi
	}
	for i := 0; i < 128 && hi.Sub(lo).GreaterThan(unit); i++ {
		mid := lo.Add(hi).Div(decimal.NewFromInt(2)).Truncate(spec.BaseDecimals)
		if mid.LessThanOrEqual(lo) {
			break
		}
		q, err := QuoteAgainst(spec, res, side, mid)
		if err == nil && !q.PoolPriceMove.GreaterThan(maxMove) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}
