package validator

import (
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidator() *Validator {
	pairs := []domain.PairSpec{{
		Symbol:         "ETH-USDC",
		BaseDecimals:   6,
		QuoteDecimals:  6,
		ReferencePrice: decimal.NewFromInt(2000),
	}}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return New(pairs, decimal.NewFromInt(100_000),
		WithClock(func() time.Time { return fixed }),
		WithIDs(func() string { return "ord-1" }),
	)
}

func TestValidateLimitOrder(t *testing.T) {
	v := testValidator()

	o, err := v.Validate(RawOrder{
		Pair: "eth-usdc", Side: "BUY", Type: "limit", Amount: "1.5", Price: "1999.5",
		Priority: "high", UserID: "u1", SourceIP: "10.0.0.1",
	})
	require.NoError(t, err)

	assert.Equal(t, "ord-1", o.ID)
	assert.Equal(t, "ETH-USDC", o.Pair)
	assert.Equal(t, domain.OrderSideBuy, o.Side)
	assert.Equal(t, domain.PriorityHigh, o.Priority)
	price, ok := o.LimitPrice()
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("1999.5")))
	assert.Equal(t, domain.OrderKindLimit, o.Kind())
}

func TestValidateRejections(t *testing.T) {
	v := testValidator()

	tests := []struct {
		name string
		raw  RawOrder
		want error
	}{
		{"zero amount", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "market", Amount: "0"}, domain.ErrMalformedOrder},
		{"negative amount", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "market", Amount: "-1"}, domain.ErrMalformedOrder},
		{"garbage amount", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "market", Amount: "abc"}, domain.ErrMalformedOrder},
		{"too precise", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "market", Amount: "0.0000001"}, domain.ErrMalformedOrder},
		{"unknown pair", RawOrder{Pair: "BTC-USDC", Side: "buy", Type: "market", Amount: "1"}, domain.ErrUnsupportedPair},
		{"bad side", RawOrder{Pair: "ETH-USDC", Side: "hold", Type: "market", Amount: "1"}, domain.ErrMalformedOrder},
		{"bad type", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "iceberg", Amount: "1"}, domain.ErrMalformedOrder},
		{"limit without price", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "limit", Amount: "1"}, domain.ErrMalformedOrder},
		{"stop without trigger", RawOrder{Pair: "ETH-USDC", Side: "sell", Type: "stop", Amount: "1"}, domain.ErrMalformedOrder},
		{"bad priority", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "market", Amount: "1", Priority: "now"}, domain.ErrMalformedOrder},
		{"limit notional cap", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "limit", Amount: "100", Price: "1001"}, domain.ErrNotionalTooLarge},
		{"market notional cap", RawOrder{Pair: "ETH-USDC", Side: "sell", Type: "market", Amount: "51"}, domain.ErrNotionalTooLarge},
		{"huge amount exponent", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "market", Amount: "1e9999999"}, domain.ErrMalformedOrder},
		{"tiny amount exponent", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "market", Amount: "1e-9999999"}, domain.ErrMalformedOrder},
		{"huge price exponent", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "limit", Amount: "1", Price: "1e9999999"}, domain.ErrMalformedOrder},
		{"tiny price exponent", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "limit", Amount: "1", Price: "1e-9999999"}, domain.ErrMalformedOrder},
		{"huge stop exponent", RawOrder{Pair: "ETH-USDC", Side: "sell", Type: "stop", Amount: "1", StopPrice: "5e2147483647"}, domain.ErrMalformedOrder},
		{"overlong amount", RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "market", Amount: "0." + strings.Repeat("0", 80) + "1"}, domain.ErrMalformedOrder},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(tc.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestValidateMarketUsesMarkPrice(t *testing.T) {
	pairs := []domain.PairSpec{{Symbol: "ETH-USDC", BaseDecimals: 6, ReferencePrice: decimal.NewFromInt(2000)}}
	v := New(pairs, decimal.NewFromInt(10_000), WithPriceReference(func(string) (decimal.Decimal, bool) {
		return decimal.NewFromInt(100), true
	}))

	// 60 * 2000 would breach the cap; 60 * 100 does not.
	o, err := v.Validate(RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "market", Amount: "60"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderKindMarket, o.Kind())
	assert.True(t, v.Notional(o).Equal(decimal.NewFromInt(6000)))
}

func TestValidateStopFallsBackToPrice(t *testing.T) {
	v := testValidator()

	o, err := v.Validate(RawOrder{Pair: "ETH-USDC", Side: "sell", Type: "stop", Amount: "1", Price: "1800"})
	require.NoError(t, err)
	trigger, ok := o.StopTrigger()
	require.True(t, ok)
	assert.True(t, trigger.Equal(decimal.NewFromInt(1800)))
}

func TestValidateExponentsStayCheap(t *testing.T) {
	v := testValidator()

	start := time.Now()
	for _, amount := range []string{"1e9999999", "1e-9999999", "9e40000", "1e-2000"} {
		_, err := v.Validate(RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "limit", Amount: amount, Price: "1"})
		require.ErrorIs(t, err, domain.ErrMalformedOrder, amount)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// Scientific notation inside the bounds is still accepted.
	o, err := v.Validate(RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "limit", Amount: "1.5e1", Price: "2e-1"})
	require.NoError(t, err)
	assert.True(t, o.Amount.Equal(decimal.NewFromInt(15)))
	o, err = v.Validate(RawOrder{Pair: "ETH-USDC", Side: "buy", Type: "market", Amount: "1.000000000000"})
	require.NoError(t, err)
	assert.True(t, o.Amount.Equal(decimal.NewFromInt(1)))
}
