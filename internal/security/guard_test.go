package security

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/amm"
	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() Config {
	return Config{
		PerSecondLimit:       2,
		PerMinuteLimit:       100,
		MaxNotionalPerMinute: decimal.NewFromInt(1_000_000),
		BlockAfterViolations: 3,
		BlockDuration:        time.Minute,
		MEVWindow:            2 * time.Second,
		LargeOrderNotional:   decimal.NewFromInt(50_000),
		ComparableSizeRatio:  decimal.RequireFromString("1.5"),
		MaxPriceImpact:       decimal.RequireFromString("0.05"),
		FlaggedImpactFactor:  decimal.RequireFromString("0.5"),
		ImpactPolicy:         ImpactReject,
		DecisionBudget:       5 * time.Millisecond,
		RiskHalfLife:         time.Minute,
		FlagThreshold:        50,
	}
}

func newGuard(cfg Config, opts ...Option) (*Guard, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.now)}, opts...)
	return New(cfg, 8, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...), c
}

func order(id, user string, side domain.OrderSide, amount int64) domain.Order {
	return domain.Order{ID: id, UserID: user, Pair: "ETH-USDC", Side: side, Amount: decimal.NewFromInt(amount)}
}

func TestThirdOrderInBurstIsThrottled(t *testing.T) {
	g, c := newGuard(testConfig())
	id := domain.Identity{UserID: "alice", SourceIP: "10.0.0.1"}
	ctx := context.Background()
	small := decimal.NewFromInt(100)

	d := g.Authorize(ctx, order("o1", "alice", domain.OrderSideBuy, 1), small, id)
	require.Equal(t, Allow, d.Verdict)
	c.advance(200 * time.Millisecond)
	d = g.Authorize(ctx, order("o2", "alice", domain.OrderSideBuy, 1), small, id)
	require.Equal(t, Allow, d.Verdict)
	c.advance(200 * time.Millisecond)

	d = g.Authorize(ctx, order("o3", "alice", domain.OrderSideBuy, 1), small, id)
	require.Equal(t, Throttle, d.Verdict)
	assert.Equal(t, 600*time.Millisecond, d.RetryAfter)

	var se *domain.SecurityError
	require.True(t, errors.As(d.Err(), &se))
	assert.ErrorIs(t, se, domain.ErrThrottled)
	assert.Equal(t, d.RetryAfter, se.RetryAfter)

	// The throttled order took no slot: once the first event ages out one
	// order fits again.
	c.advance(600 * time.Millisecond)
	d = g.Authorize(ctx, order("o4", "alice", domain.OrderSideBuy, 1), small, id)
	assert.Equal(t, Allow, d.Verdict)
}

func TestSourceIPSharedAcrossUsers(t *testing.T) {
	g, _ := newGuard(testConfig())
	ctx := context.Background()
	for i, user := range []string{"a", "b"} {
		d := g.Authorize(ctx, order("o"+string(rune('1'+i)), user, domain.OrderSideBuy, 1), decimal.NewFromInt(1),
			domain.Identity{UserID: user, SourceIP: "10.0.0.9"})
		require.Equal(t, Allow, d.Verdict)
	}
	d := g.Authorize(ctx, order("o3", "c", domain.OrderSideBuy, 1), decimal.NewFromInt(1),
		domain.Identity{UserID: "c", SourceIP: "10.0.0.9"})
	assert.Equal(t, Throttle, d.Verdict)
}

func TestRepeatedThrottlesEscalateToBlock(t *testing.T) {
	cfg := testConfig()
	cfg.PerSecondLimit = 1
	g, c := newGuard(cfg)
	ctx := context.Background()
	id := domain.Identity{UserID: "mallory"}

	require.Equal(t, Allow, g.Authorize(ctx, order("o0", "mallory", domain.OrderSideBuy, 1), decimal.NewFromInt(1), id).Verdict)
	var last Decision
	for i := 0; i < cfg.BlockAfterViolations; i++ {
		c.advance(10 * time.Millisecond)
		last = g.Authorize(ctx, order("x", "mallory", domain.OrderSideBuy, 1), decimal.NewFromInt(1), id)
	}
	require.Equal(t, Block, last.Verdict)
	assert.Equal(t, time.Minute, last.RetryAfter)
	assert.ErrorIs(t, last.Err(), domain.ErrBlocked)

	c.advance(30 * time.Second)
	d := g.Authorize(ctx, order("y", "mallory", domain.OrderSideBuy, 1), decimal.NewFromInt(1), id)
	assert.Equal(t, Block, d.Verdict)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	c.advance(31 * time.Second)
	d = g.Authorize(ctx, order("z", "mallory", domain.OrderSideBuy, 1), decimal.NewFromInt(1), id)
	assert.Equal(t, Allow, d.Verdict)
}

func TestNotionalWindow(t *testing.T) {
	cfg := testConfig()
	cfg.PerSecondLimit = 0
	cfg.MaxNotionalPerMinute = decimal.NewFromInt(1000)
	g, c := newGuard(cfg)
	id := domain.Identity{UserID: "bob"}
	ctx := context.Background()

	require.Equal(t, Allow, g.Authorize(ctx, order("o1", "bob", domain.OrderSideBuy, 1), decimal.NewFromInt(600), id).Verdict)
	c.advance(10 * time.Second)
	d := g.Authorize(ctx, order("o2", "bob", domain.OrderSideBuy, 1), decimal.NewFromInt(600), id)
	require.Equal(t, Throttle, d.Verdict)
	assert.Equal(t, 50*time.Second, d.RetryAfter)

	assert.Equal(t, Allow, g.Authorize(ctx, order("o3", "bob", domain.OrderSideBuy, 1), decimal.NewFromInt(400), id).Verdict)
}

func TestRateLimitProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(t, "limit")
		cfg := testConfig()
		cfg.PerSecondLimit = n
		cfg.PerMinuteLimit = 0
		cfg.BlockAfterViolations = 0
		cfg.MEVWindow = 0
		g, c := newGuard(cfg)
		id := domain.Identity{UserID: "u"}
		step := time.Duration(rapid.IntRange(0, int(time.Second/time.Duration(n+1)/time.Millisecond)).Draw(t, "stepMs")) * time.Millisecond

		for i := 0; i < n; i++ {
			d := g.Authorize(context.Background(), order("a", "u", domain.OrderSideBuy, 1), decimal.NewFromInt(1), id)
			if d.Verdict != Allow {
				t.Fatalf("order %d of %d rejected: %v", i+1, n, d.Verdict)
			}
			c.advance(step)
		}
		d := g.Authorize(context.Background(), order("b", "u", domain.OrderSideBuy, 1), decimal.NewFromInt(1), id)
		if d.Verdict != Throttle {
			t.Fatalf("order %d allowed with limit %d", n+1, n)
		}
		if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
			t.Fatalf("retry after %s out of range", d.RetryAfter)
		}
	})
}

func TestFrontRunTagsBothOrders(t *testing.T) {
	g, c := newGuard(testConfig())
	ctx := context.Background()
	id := domain.Identity{UserID: "whale", SourceIP: "10.1.1.1"}

	d := g.Authorize(ctx, order("big-buy", "whale", domain.OrderSideBuy, 100), decimal.NewFromInt(200_000), id)
	require.Equal(t, Allow, d.Verdict)
	require.False(t, d.SecurityWarning)

	c.advance(300 * time.Millisecond)
	d = g.Authorize(ctx, order("big-sell", "whale", domain.OrderSideSell, 90), decimal.NewFromInt(180_000), id)
	require.Equal(t, Allow, d.Verdict, "flagged orders still execute")
	assert.True(t, d.SecurityWarning)
	assert.Equal(t, PatternFrontRun, d.Pattern)
	assert.Equal(t, []string{"big-buy"}, d.RelatedOrderIDs)
}

func TestFrontRunOutsideWindowIgnored(t *testing.T) {
	g, c := newGuard(testConfig())
	ctx := context.Background()
	id := domain.Identity{UserID: "whale"}

	g.Authorize(ctx, order("b", "whale", domain.OrderSideBuy, 100), decimal.NewFromInt(200_000), id)
	c.advance(3 * time.Second)
	d := g.Authorize(ctx, order("s", "whale", domain.OrderSideSell, 100), decimal.NewFromInt(200_000), id)
	assert.False(t, d.SecurityWarning)
}

func TestSandwichFlagsVictim(t *testing.T) {
	g, c := newGuard(testConfig())
	ctx := context.Background()
	attacker := domain.Identity{UserID: "eve", SourceIP: "10.9.9.9"}

	g.Authorize(ctx, order("front", "eve", domain.OrderSideBuy, 100), decimal.NewFromInt(200_000), attacker)
	c.advance(100 * time.Millisecond)
	g.Authorize(ctx, order("victim", "bob", domain.OrderSideBuy, 5), decimal.NewFromInt(10_000), domain.Identity{UserID: "bob", SourceIP: "10.2.2.2"})
	c.advance(100 * time.Millisecond)

	// Same IP, different account: still correlated.
	d := g.Authorize(ctx, order("back", "eve2", domain.OrderSideSell, 100), decimal.NewFromInt(200_000), domain.Identity{UserID: "eve2", SourceIP: "10.9.9.9"})
	assert.True(t, d.SecurityWarning)
	assert.Equal(t, PatternSandwich, d.Pattern)
	assert.ElementsMatch(t, []string{"front", "victim"}, d.RelatedOrderIDs)
}

func TestRequireConfirmation(t *testing.T) {
	cfg := testConfig()
	cfg.RequireConfirmation = true
	g, c := newGuard(cfg)
	ctx := context.Background()
	id := domain.Identity{UserID: "whale"}

	g.Authorize(ctx, order("b", "whale", domain.OrderSideBuy, 100), decimal.NewFromInt(200_000), id)
	c.advance(100 * time.Millisecond)

	d := g.Authorize(ctx, order("s1", "whale", domain.OrderSideSell, 100), decimal.NewFromInt(200_000), id)
	require.True(t, d.RequiresConfirmation)
	assert.ErrorIs(t, d.Err(), domain.ErrConfirmationRequired)

	c.advance(time.Second)
	confirmed := order("s2", "whale", domain.OrderSideSell, 100)
	confirmed.Confirmed = true
	d = g.Authorize(ctx, confirmed, decimal.NewFromInt(200_000), id)
	assert.False(t, d.RequiresConfirmation)
	assert.True(t, d.SecurityWarning)
	assert.NoError(t, d.Err())
}

func TestRiskScoreFlagsAndDecays(t *testing.T) {
	cfg := testConfig()
	cfg.FlagThreshold = 40
	g, c := newGuard(cfg)
	ctx := context.Background()
	id := domain.Identity{UserID: "whale"}

	for i := 0; i < 2; i++ {
		g.Authorize(ctx, order("b", "whale", domain.OrderSideBuy, 100), decimal.NewFromInt(200_000), id)
		c.advance(600 * time.Millisecond)
		g.Authorize(ctx, order("s", "whale", domain.OrderSideSell, 100), decimal.NewFromInt(200_000), id)
		c.advance(600 * time.Millisecond)
	}
	assert.True(t, g.Flagged(id))

	c.advance(10 * time.Minute)
	assert.False(t, g.Flagged(id))
}

func TestFailOpenWhenShardBusy(t *testing.T) {
	cfg := testConfig()
	cfg.DecisionBudget = time.Millisecond
	g, _ := newGuard(cfg)
	id := domain.Identity{UserID: "alice"}

	s := g.shards[g.shardFor("user:alice")]
	s.mu.Lock()
	start := time.Now()
	d := g.Authorize(context.Background(), order("o", "alice", domain.OrderSideBuy, 1), decimal.NewFromInt(1), id)
	elapsed := time.Since(start)
	s.mu.Unlock()

	assert.Equal(t, Allow, d.Verdict)
	assert.True(t, d.FailOpen)
	assert.Less(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, int64(1), g.FailOpens())
}

type brokenLimiter struct{ allow bool }

func (b brokenLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	if b.allow {
		return true, nil
	}
	return false, errors.New("redis down")
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

func TestDistributedLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.DistributedRateLimit = true
	cfg.DistributedPerSecondIP = 5
	id := domain.Identity{UserID: "a", SourceIP: "1.2.3.4"}

	g, _ := newGuard(cfg, WithDistributedLimiter(brokenLimiter{}))
	d := g.Authorize(context.Background(), order("o", "a", domain.OrderSideBuy, 1), decimal.NewFromInt(1), id)
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, int64(1), g.FailOpens())

	g, _ = newGuard(cfg, WithDistributedLimiter(denyLimiter{}))
	d = g.Authorize(context.Background(), order("o", "a", domain.OrderSideBuy, 1), decimal.NewFromInt(1), id)
	assert.Equal(t, Throttle, d.Verdict)
	assert.Equal(t, time.Second, d.RetryAfter)
}

var ethUSDC = domain.PairSpec{Symbol: "ETH-USDC", BaseDecimals: 18, QuoteDecimals: 6, FeeBps: 30}

func poolQuote(t *testing.T, amount int64) amm.Quote {
	t.Helper()
	res := domain.PoolReserves{
		Pair:   ethUSDC.Symbol,
		Base:   ethUSDC.ToBaseUnits(decimal.NewFromInt(1000)),
		Quote:  ethUSDC.ToQuoteUnits(decimal.NewFromInt(2_000_000)),
		FeeBps: 30,
	}
	q, err := amm.QuoteAgainst(ethUSDC, res, domain.OrderSideBuy, decimal.NewFromInt(amount))
	require.NoError(t, err)
	return q
}

func TestPriceImpactBreaker(t *testing.T) {
	g, _ := newGuard(testConfig())
	o := order("o", "u", domain.OrderSideBuy, 100)

	small := poolQuote(t, 5)
	got, err := g.CheckPriceImpact(ethUSDC, o, small, false)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(5)))

	big := poolQuote(t, 100)
	_, err = g.CheckPriceImpact(ethUSDC, o, big, false)
	assert.ErrorIs(t, err, domain.ErrPriceImpact)

	// 5 ETH of 1000 moves the pool about 1%; flagged halves the 5% cap but
	// it still fits.
	_, err = g.CheckPriceImpact(ethUSDC, o, small, true)
	assert.NoError(t, err)
	assert.True(t, g.ImpactCap(true).Equal(decimal.RequireFromString("0.025")))
}

func TestPriceImpactDownsize(t *testing.T) {
	cfg := testConfig()
	cfg.ImpactPolicy = ImpactDownsize
	g, _ := newGuard(cfg)

	big := poolQuote(t, 100)
	got, err := g.CheckPriceImpact(ethUSDC, order("o", "u", domain.OrderSideBuy, 100), big, false)
	require.NoError(t, err)
	require.True(t, got.IsPositive())
	require.True(t, got.LessThan(decimal.NewFromInt(100)))

	q, err := amm.QuoteAgainst(ethUSDC, big.Reserves, domain.OrderSideBuy, got)
	require.NoError(t, err)
	assert.False(t, q.PoolPriceMove.GreaterThan(cfg.MaxPriceImpact))
}

func TestSweepForgetsIdleProfiles(t *testing.T) {
	g, c := newGuard(testConfig())
	g.Authorize(context.Background(), order("o", "u", domain.OrderSideBuy, 1), decimal.NewFromInt(1), domain.Identity{UserID: "u"})
	c.advance(2 * time.Minute)
	assert.Equal(t, 2, g.Sweep(), "one profile and one empty pair ring")
}
