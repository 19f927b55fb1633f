package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/config"
	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/alanyoungcy/hybridengine/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paperConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.Enabled = false
	cfg.Chain.PaperConfirmIn = config.Dur(10 * time.Millisecond)
	cfg.Settlement.PollBase = config.Dur(5 * time.Millisecond)
	cfg.Settlement.PollMax = config.Dur(20 * time.Millisecond)
	cfg.Security.DecisionBudget = config.Dur(time.Second)
	return &cfg
}

func startPaper(t *testing.T, cfg *config.Config) (*engine, *Dependencies) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(cfg, "", logger)

	ctx, cancel := context.WithCancel(context.Background())
	deps, cleanup, err := Wire(ctx, cfg, logger)
	require.NoError(t, err)
	assert.Empty(t, deps.Probes)
	assert.Nil(t, deps.Broker)
	assert.Nil(t, deps.Archiver)

	e := a.build(deps)
	_, err = e.queue.Restore(ctx)
	require.NoError(t, err)
	e.cache.Warm(ctx)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{e.cache.Run, e.queue.Run, e.svc.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		cleanup()
	})
	return e, deps
}

func TestPaperLimitOrderRestsOnBook(t *testing.T) {
	e, _ := startPaper(t, paperConfig())

	res, err := e.svc.Submit(context.Background(), validator.RawOrder{
		Pair: "ETH-USDC", Side: "buy", Type: "limit", Amount: "0.5", Price: "1990",
		UserID: "alice", SourceIP: "10.0.0.1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOrderbook, res.Venue)
	assert.NotEmpty(t, res.OrderID)

	depth, err := e.svc.Depth("ETH-USDC", 5)
	require.NoError(t, err)
	require.Len(t, depth.Bids, 1)
}

func TestPaperLargeMarketOrderSettlesOnPool(t *testing.T) {
	e, deps := startPaper(t, paperConfig())
	ctx := context.Background()

	res, err := e.svc.Submit(ctx, validator.RawOrder{
		Pair: "ETH-USDC", Side: "buy", Type: "market", Amount: "150",
		UserID: "bob", SourceIP: "10.0.0.2",
	})
	require.NoError(t, err)
	require.Equal(t, domain.VenueAMM, res.Venue)

	require.Eventually(t, func() bool {
		st, err := e.svc.GetSettlement(ctx, res.OrderID)
		return err == nil && st.Status == domain.SettlementConfirmed
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := deps.Settlements.GetByOrderID(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementConfirmed, stored.Status)
}

func TestHotReloadTightensGuard(t *testing.T) {
	cfg := paperConfig()
	e, _ := startPaper(t, cfg)
	ctx := context.Background()

	next := *cfg
	next.Security.PerSecondLimit = 1
	e.apply(&next)

	order := validator.RawOrder{
		Pair: "ETH-USDC", Side: "sell", Type: "limit", Amount: "0.1", Price: "2100",
		UserID: "carol", SourceIP: "10.0.0.3",
	}
	_, err := e.svc.Submit(ctx, order)
	require.NoError(t, err)
	_, err = e.svc.Submit(ctx, order)
	assert.ErrorIs(t, err, domain.ErrThrottled)
}
