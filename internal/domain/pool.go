package domain

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PoolReserves is the engine's view of a constant-product pool. Reserves are
// in token base units.
type PoolReserves struct {
	Pair         string
	Base         *uint256.Int
	Quote        *uint256.Int
	FeeBps       uint64
	LastSyncedAt time.Time
	Stale        bool
}

// Clone returns a deep copy so readers never share the reserve integers.
func (p PoolReserves) Clone() PoolReserves {
	out := p
	if p.Base != nil {
		out.Base = new(uint256.Int).Set(p.Base)
	}
	if p.Quote != nil {
		out.Quote = new(uint256.Int).Set(p.Quote)
	}
	return out
}

// Empty reports whether either side of the pool holds nothing.
func (p PoolReserves) Empty() bool {
	return p.Base == nil || p.Quote == nil || p.Base.IsZero() || p.Quote.IsZero()
}

// PairSpec describes a tradable pair and the token scaling used on chain.
type PairSpec struct {
	Symbol         string
	BaseDecimals   int32
	QuoteDecimals  int32
	ReferencePrice decimal.Decimal
	PoolAddress    string
	BaseToken      string
	QuoteToken     string
	FeeBps         uint64
}

// ToBaseUnits converts a base-token decimal amount to integer base units,
// truncating below the token's precision.
func (p PairSpec) ToBaseUnits(amount decimal.Decimal) *uint256.Int {
	return toUnits(amount, p.BaseDecimals)
}

// ToQuoteUnits converts a quote-token decimal amount to integer units.
func (p PairSpec) ToQuoteUnits(amount decimal.Decimal) *uint256.Int {
	return toUnits(amount, p.QuoteDecimals)
}

// FromBaseUnits converts integer base-token units back to a decimal amount.
func (p PairSpec) FromBaseUnits(v *uint256.Int) decimal.Decimal {
	return fromUnits(v, p.BaseDecimals)
}

// FromQuoteUnits converts integer quote-token units back to a decimal amount.
func (p PairSpec) FromQuoteUnits(v *uint256.Int) decimal.Decimal {
	return fromUnits(v, p.QuoteDecimals)
}

func toUnits(amount decimal.Decimal, decimals int32) *uint256.Int {
	if amount.Sign() <= 0 {
		return new(uint256.Int)
	}
	bi := amount.Shift(decimals).Truncate(0).BigInt()
	v, overflow := uint256.FromBig(bi)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return v
}

func fromUnits(v *uint256.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -decimals)
}
