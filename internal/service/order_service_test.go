package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/amm"
	"github.com/alanyoungcy/hybridengine/internal/cache/memory"
	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/alanyoungcy/hybridengine/internal/events"
	"github.com/alanyoungcy/hybridengine/internal/matching"
	"github.com/alanyoungcy/hybridengine/internal/metrics"
	"github.com/alanyoungcy/hybridengine/internal/routing"
	"github.com/alanyoungcy/hybridengine/internal/security"
	"github.com/alanyoungcy/hybridengine/internal/settlement"
	memstore "github.com/alanyoungcy/hybridengine/internal/store/memory"
	"github.com/alanyoungcy/hybridengine/internal/validator"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pair = "TOK-USDC"

var spec = domain.PairSpec{
	Symbol:         pair,
	BaseDecimals:   6,
	QuoteDecimals:  6,
	ReferencePrice: decimal.NewFromInt(1),
	FeeBps:         30,
}

// chain is a pool with one million tokens on each side whose receipts
// report whatever status is configured.
type chain struct {
	mu      sync.Mutex
	status  domain.ConfirmationStatus
	submits int
}

func (c *chain) setStatus(s domain.ConfirmationStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *chain) Reserves(context.Context, domain.PairSpec) (domain.PoolReserves, error) {
	return domain.PoolReserves{
		Pair:   pair,
		Base:   uint256.NewInt(1_000_000_000_000),
		Quote:  uint256.NewInt(1_000_000_000_000),
		FeeBps: spec.FeeBps,
	}, nil
}

func (c *chain) SubmitSwap(context.Context, domain.PairSpec, domain.SwapInstruction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	return fmt.Sprintf("0x%02x", c.submits), nil
}

func (c *chain) Receipt(_ context.Context, hash string) (domain.Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Confirmation{TxHash: hash, Status: c.status}, nil
}

type recordingBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = make(map[string][][]byte)
	}
	b.msgs[channel] = append(b.msgs[channel], payload)
	return nil
}

func (b *recordingBus) types(t *testing.T, channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.msgs[channel] {
		env, err := events.Unmarshal(m)
		require.NoError(t, err)
		out = append(out, env.Type)
	}
	return out
}

type sinkFunc func(domain.Alert)

func (f sinkFunc) Alert(_ context.Context, a domain.Alert) error { f(a); return nil }

type harness struct {
	svc     *OrderService
	chain   *chain
	cache   *amm.ReserveCache
	queue   *settlement.Queue
	fills   *memstore.Fills
	audit   *memstore.Audit
	bus     *recordingBus
	metrics *metrics.Reporter
}

type setup struct {
	guard       func(*security.Config)
	queue       func(*settlement.Config)
	settleFills bool
	idle        bool // leave the queue and completion loop stopped
	alerts      domain.AlertSink
}

func guardConfig() security.Config {
	return security.Config{
		PerSecondLimit:       50,
		PerMinuteLimit:       1000,
		MaxNotionalPerMinute: decimal.NewFromInt(1_000_000_000),
		BlockAfterViolations: 5,
		BlockDuration:        time.Minute,
		MEVWindow:            2 * time.Second,
		LargeOrderNotional:   decimal.NewFromInt(50_000),
		ComparableSizeRatio:  decimal.RequireFromString("1.5"),
		MaxPriceImpact:       decimal.RequireFromString("0.05"),
		FlaggedImpactFactor:  decimal.RequireFromString("0.5"),
		ImpactPolicy:         security.ImpactReject,
		DecisionBudget:       50 * time.Millisecond,
		RiskHalfLife:         time.Minute,
		FlagThreshold:        1000,
	}
}

func queueConfig() settlement.Config {
	return settlement.Config{
		Workers:           2,
		HighWaterMark:     100,
		MaxSubmitAttempts: 3,
		SubmitBackoffBase: time.Millisecond,
		SubmitBackoffMax:  5 * time.Millisecond,
		PollBase:          2 * time.Millisecond,
		PollMax:           10 * time.Millisecond,
		MaxWait:           2 * time.Second,
		CallTimeout:       time.Second,
	}
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	specs := []domain.PairSpec{spec}

	gcfg := guardConfig()
	if s.guard != nil {
		s.guard(&gcfg)
	}
	qcfg := queueConfig()
	if s.queue != nil {
		s.queue(&qcfg)
	}

	h := &harness{
		chain: &chain{status: domain.ConfirmationConfirmed},
		fills: memstore.NewFills(),
		audit: memstore.NewAudit(),
		bus:   &recordingBus{},
	}
	h.cache = amm.NewReserveCache(h.chain, specs, time.Hour, time.Second, logger)
	h.queue = settlement.New(qcfg, map[domain.Venue]settlement.Source{
		domain.VenueAMM:       amm.NewSwapSource(h.chain, specs, memory.NewLocks(), 5*time.Second, h.cache, logger),
		domain.VenueOrderbook: settlement.NewLedgerSource(h.fills),
	}, logger)

	h.metrics = metrics.New(metrics.Config{Window: 10 * time.Second, EvalInterval: time.Second}, logger)
	engine := matching.New([]string{pair}, matching.Config{SelfTrade: matching.SelfTradeSkip}, logger)
	c := Components{
		Validator: validator.New(specs, decimal.NewFromInt(10_000_000), validator.WithPriceReference(engine.LastPrice)),
		Guard:     security.New(gcfg, 8, logger),
		Router: routing.New(specs, routing.Config{
			SmallSize:          decimal.NewFromInt(100),
			LargeSize:          decimal.NewFromInt(5_000),
			MaxBookSlippageBps: 50,
		}),
		Matching: engine,
		AMM:      amm.NewExecutor(specs, h.cache, h.queue, amm.ExecConfig{SlippageToleranceBps: 50, SwapDeadline: time.Minute}, logger),
		Queue:    h.queue,
		Metrics:  h.metrics,
	}
	opts := []Option{
		WithStores(memstore.NewOrders(), h.fills, memstore.NewSettlements(), h.audit),
		WithPublishers(h.bus),
		WithSettleFills(s.settleFills),
	}
	if s.alerts != nil {
		opts = append(opts, WithAlertSink(s.alerts))
	}
	h.svc = NewOrderService(c, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	_, err := h.cache.Refresh(ctx, pair)
	require.NoError(t, err)
	run := func(f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f(ctx)
		}()
	}
	run(h.cache.Run)
	run(h.metrics.Run)
	if !s.idle {
		run(h.queue.Run)
		run(h.svc.Run)
	}
	return h
}

func limit(user, side, amount, price string) validator.RawOrder {
	return validator.RawOrder{Pair: pair, Side: side, Type: "limit", Amount: amount, Price: price, UserID: user, SourceIP: "10.0.0." + user}
}

func market(user, side, amount string) validator.RawOrder {
	return validator.RawOrder{Pair: pair, Side: side, Type: "market", Amount: amount, UserID: user, SourceIP: "10.0.1." + user}
}

func (h *harness) status(t *testing.T, id string) domain.OrderStatus {
	t.Helper()
	v, err := h.svc.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return v.State.Status
}

func TestLimitOrdersPartiallyFill(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	buy, err := h.svc.Submit(ctx, limit("1", "buy", "100", "1.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRouted, buy.Status)
	assert.Equal(t, domain.VenueOrderbook, buy.Venue)

	sell, err := h.svc.Submit(ctx, limit("2", "sell", "50", "1.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, sell.Status)
	assert.Equal(t, "50", sell.Summary.TotalFilled.String())
	assert.Equal(t, "1", sell.Summary.AveragePrice.String())
	assert.Equal(t, 1, sell.Summary.TotalChunks)

	v, err := h.svc.GetOrder(ctx, buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, v.State.Status)
	assert.Equal(t, "50", v.Order.Amount.Sub(v.State.FilledAmount).String())
	require.Len(t, v.Fills, 1)
	assert.Equal(t, sell.OrderID, v.Fills[0].CounterpartyOrderID)

	stored, err := h.fills.ListByOrder(ctx, buy.OrderID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Equal(t, []string{"trade"}, h.bus.types(t, domain.ChannelTrades), "only the taker side is published")
}

func TestLargeMarketOrderGoesToPool(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, limit("1", "sell", "500", "1.001"))
	require.NoError(t, err)

	res, err := h.svc.Submit(ctx, market("2", "buy", "10000"))
	require.NoError(t, err)
	assert.Equal(t, domain.VenueAMM, res.Venue)
	// A fast confirmation may complete the order before Submit returns.
	assert.Contains(t, []domain.OrderStatus{domain.OrderStatusRouted, domain.OrderStatusFilled}, res.Status)
	assert.NotEmpty(t, res.SettlementID)
	assert.Equal(t, "10000", res.Accepted.String())

	// The book was not touched.
	d, err := h.svc.Depth(pair, 0)
	require.NoError(t, err)
	require.Len(t, d.Asks, 1)
	assert.Equal(t, "500", d.Asks[0].Amount.String())

	require.Eventually(t, func() bool {
		return h.status(t, res.OrderID) == domain.OrderStatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	v, _ := h.svc.GetOrder(ctx, res.OrderID)
	require.Len(t, v.Fills, 1)
	assert.Equal(t, "amm-"+res.SettlementID, v.Fills[0].ID)
	assert.Equal(t, domain.VenueAMM, v.Fills[0].Venue)
	assert.Equal(t, "10000", v.State.FilledAmount.String())

	req, err := h.svc.GetSettlement(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementConfirmed, req.Status)
	assert.Equal(t, "0x01", req.TxHash)
	assert.Contains(t, h.bus.types(t, domain.ChannelSettlements), events.TypeSettlement)
}

func TestBurstIsThrottledWithRetryHint(t *testing.T) {
	h := newHarness(t, setup{guard: func(c *security.Config) { c.PerSecondLimit = 2 }})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.svc.Submit(ctx, limit("7", "buy", "1", "0.5"))
		require.NoError(t, err)
	}
	res, err := h.svc.Submit(ctx, limit("7", "buy", "1", "0.5"))
	require.ErrorIs(t, err, domain.ErrThrottled)
	var se *domain.SecurityError
	require.True(t, errors.As(err, &se))
	assert.Positive(t, se.RetryAfter)
	assert.Equal(t, se.RetryAfter, res.RetryAfter)
	assert.Equal(t, domain.OrderStatusRejected, res.Status)
	assert.Equal(t, "throttled", res.Reason)
	assert.Equal(t, domain.OrderStatusRejected, h.status(t, res.OrderID))
}

func TestUnconfirmedSwapFailsOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		alerts []domain.Alert
	)
	h := newHarness(t, setup{
		queue: func(c *settlement.Config) { c.MaxWait = 100 * time.Millisecond },
		alerts: sinkFunc(func(a domain.Alert) {
			mu.Lock()
			alerts = append(alerts, a)
			mu.Unlock()
		}),
	})
	h.chain.setStatus(domain.ConfirmationPending)
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, market("3", "sell", "6000"))
	require.NoError(t, err)
	require.Equal(t, domain.VenueAMM, res.Venue)

	require.Eventually(t, func() bool {
		return h.status(t, res.OrderID) == domain.OrderStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	v, _ := h.svc.GetOrder(ctx, res.OrderID)
	assert.Equal(t, "confirmation_timeout", v.State.Reason)
	assert.Empty(t, v.Fills)

	req, err := h.svc.GetSettlement(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementAbandoned, req.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertSettlementAbandoned, alerts[0].Kind)
	assert.Equal(t, res.SettlementID, alerts[0].Name)
}

func TestFrontRunTagsBothOrders(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	first, err := h.svc.Submit(ctx, limit("9", "buy", "60000", "1"))
	require.NoError(t, err)
	assert.False(t, first.SecurityWarning)

	second, err := h.svc.Submit(ctx, limit("9", "sell", "60000", "2"))
	require.NoError(t, err, "flagged orders still execute")
	assert.True(t, second.SecurityWarning)
	assert.Equal(t, domain.OrderStatusRouted, second.Status)

	v, err := h.svc.GetOrder(ctx, first.OrderID)
	require.NoError(t, err)
	assert.True(t, v.State.SecurityWarning)
	assert.Equal(t, domain.OrderStatusRouted, v.State.Status)
}

func TestCancelRestingOrder(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, limit("1", "buy", "10", "0.9"))
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, res.OrderID, "someone-else")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	v, err := h.svc.Cancel(ctx, res.OrderID, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, v.State.Status)
	assert.Equal(t, "user_canceled", v.State.Reason)

	_, err = h.svc.Cancel(ctx, res.OrderID, "1")
	assert.Error(t, err)

	d, _ := h.svc.Depth(pair, 0)
	assert.Empty(t, d.Bids)
}

func TestSmallMarketOrderVenue(t *testing.T) {
	h := newHarness(t, setup{})
	res, err := h.svc.Submit(context.Background(), market("1", "buy", "10"))
	require.NoError(t, err)
	// Small orders go to the pool when the book cannot absorb them.
	assert.Equal(t, domain.VenueAMM, res.Venue)

	_, err = h.svc.Submit(context.Background(), limit("2", "sell", "5", "1"))
	require.NoError(t, err)
	res, err = h.svc.Submit(context.Background(), market("3", "buy", "5"))
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOrderbook, res.Venue)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
}

func TestBacklogRejectsPoolOrders(t *testing.T) {
	h := newHarness(t, setup{
		idle:  true,
		queue: func(c *settlement.Config) { c.HighWaterMark = 1 },
	})
	ctx := context.Background()

	first, err := h.svc.Submit(ctx, market("1", "buy", "6000"))
	require.NoError(t, err)
	require.Equal(t, domain.VenueAMM, first.Venue)
	require.Eventually(t, func() bool {
		_, ok := h.cache.Usable(pair)
		return ok
	}, time.Second, time.Millisecond, "pool refresh after the swap was queued")

	res, err := h.svc.Submit(ctx, market("2", "buy", "6000"))
	require.ErrorIs(t, err, domain.ErrBackpressure)
	assert.Equal(t, time.Second, res.RetryAfter)
	assert.Equal(t, "settlement_backlog", res.Reason)
}

func TestImpactBreaker(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		h := newHarness(t, setup{})
		res, err := h.svc.Submit(context.Background(), market("1", "buy", "100000"))
		require.ErrorIs(t, err, domain.ErrPriceImpact)
		assert.Equal(t, "price_impact", res.Reason)
	})
	t.Run("downsize", func(t *testing.T) {
		h := newHarness(t, setup{idle: true, guard: func(c *security.Config) { c.ImpactPolicy = security.ImpactDownsize }})
		res, err := h.svc.Submit(context.Background(), market("1", "buy", "100000"))
		require.NoError(t, err)
		assert.Equal(t, "downsized", res.Reason)
		assert.True(t, res.Accepted.IsPositive())
		assert.True(t, res.Accepted.LessThan(decimal.NewFromInt(100000)))
	})
}

func TestValidationRejectsBeforeRegistry(t *testing.T) {
	h := newHarness(t, setup{})
	res, err := h.svc.Submit(context.Background(), limit("1", "buy", "-1", "1"))
	require.ErrorIs(t, err, domain.ErrMalformedOrder)
	assert.Equal(t, domain.OrderStatusRejected, res.Status)
	assert.Empty(t, res.OrderID)
	assert.Zero(t, h.svc.Live())

	entries, _ := h.audit.List(context.Background(), domain.ListOpts{})
	require.NotEmpty(t, entries)
	assert.Equal(t, "order_rejected", entries[0].Event)
}

func TestSettleFillsThroughLedger(t *testing.T) {
	h := newHarness(t, setup{settleFills: true})
	ctx := context.Background()

	buy, err := h.svc.Submit(ctx, limit("1", "buy", "20", "1"))
	require.NoError(t, err)
	sell, err := h.svc.Submit(ctx, limit("2", "sell", "20", "1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, sell.Status)

	require.Eventually(t, func() bool {
		a, _ := h.fills.ListByOrder(ctx, buy.OrderID)
		b, _ := h.fills.ListByOrder(ctx, sell.OrderID)
		return len(a) == 1 && len(b) == 1
	}, 2*time.Second, 5*time.Millisecond)

	req, err := h.svc.GetSettlement(ctx, sell.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOrderbook, req.Venue)
	require.Eventually(t, func() bool {
		req, _ := h.svc.GetSettlement(ctx, sell.OrderID)
		return req.Status == domain.SettlementConfirmed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEvictKeepsStoreFallback(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, limit("1", "buy", "1", "abc"))
	require.Error(t, err)
	assert.Empty(t, res.OrderID)

	res, err = h.svc.Submit(ctx, limit("1", "buy", "1", "0.9"))
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, res.OrderID, "1")
	require.NoError(t, err)

	orders, _ := h.svc.Evict(time.Now().Add(time.Second))
	assert.Equal(t, 1, orders)
	assert.Zero(t, h.svc.Live())

	v, err := h.svc.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, v.State.Status)
}

func TestMarketView(t *testing.T) {
	h := newHarness(t, setup{})
	mv, err := h.svc.Market(pair)
	require.NoError(t, err)
	require.NotNil(t, mv.Pool)
	assert.Equal(t, "1000000", mv.Pool.BaseReserve.String())
	assert.Equal(t, "1", mv.Pool.SpotPrice.String())

	_, err = h.svc.Market("NOPE-USDC")
	assert.ErrorIs(t, err, domain.ErrUnsupportedPair)
}

func TestAPIMetricCountsRejections(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, limit("1", "buy", "abc", "1"))
	require.ErrorIs(t, err, domain.ErrMalformedOrder)
	_, err = h.svc.Submit(ctx, limit("1", "buy", "1", "0.5"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		api := h.metrics.Snapshot().Components[metrics.ComponentAPI]
		return api.Count == 2 && api.Errors == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentCrossingOrdersKeepStatusConsistent(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	const traders, perTrader = 8, 25
	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	for w := 0; w < traders; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			user := fmt.Sprintf("%d", 100+w)
			side := "buy"
			if w%2 == 1 {
				side = "sell"
			}
			for i := 0; i < perTrader; i++ {
				res, err := h.svc.Submit(ctx, limit(user, side, fmt.Sprintf("%d", 1+i%5), "1.00"))
				if res.OrderID == "" {
					continue
				}
				mu.Lock()
				ids = append(ids, res.OrderID)
				mu.Unlock()
				if err == nil && i%3 == 0 {
					// Fails when a counter order got there first.
					_, _ = h.svc.Cancel(ctx, res.OrderID, user)
				}
			}
		}(w)
	}
	wg.Wait()
	require.NotEmpty(t, ids)

	var resting []OrderView
	for _, id := range ids {
		v, err := h.svc.GetOrder(ctx, id)
		require.NoError(t, err)
		st := v.State

		sum := decimal.Zero
		for _, f := range v.Fills {
			sum = sum.Add(f.Amount)
		}
		assert.True(t, sum.Equal(st.FilledAmount), "order %s fills %s, filled %s", id, sum, st.FilledAmount)
		assert.Len(t, v.Fills, st.Fills)
		assert.Equal(t, st.FilledAmount.Equal(v.Order.Amount), st.Status == domain.OrderStatusFilled,
			"order %s filled %s of %s with status %s", id, st.FilledAmount, v.Order.Amount, st.Status)
		if st.FilledAmount.IsPositive() {
			assert.NotContains(t, []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusRouted}, st.Status,
				"order %s has fills but status %s", id, st.Status)
		}
		if !st.Status.Terminal() {
			resting = append(resting, v)
		}
	}

	// Every order still reported open is on the book, and nothing else is.
	var onBook decimal.Decimal
	for _, v := range resting {
		onBook = onBook.Add(v.Order.Amount.Sub(v.State.FilledAmount))
	}
	d, err := h.svc.Depth(pair, 0)
	require.NoError(t, err)
	var depth decimal.Decimal
	for _, l := range append(d.Bids, d.Asks...) {
		depth = depth.Add(l.Amount)
	}
	assert.True(t, onBook.Equal(depth), "open orders %s, book %s", onBook, depth)
	for _, v := range resting {
		_, err := h.svc.Cancel(ctx, v.Order.ID, v.Order.UserID)
		assert.NoError(t, err, "order %s reported %s", v.Order.ID, v.State.Status)
	}
}
