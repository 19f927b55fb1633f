package amm

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Enqueuer accepts settlement requests. The settlement queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.SettlementRequest) (domain.SettlementRequest, error)
}

// ExecConfig bounds the swaps the executor builds.
type ExecConfig struct {
	SlippageToleranceBps uint64
	SwapDeadline         time.Duration
}

// Executor quotes pool swaps and hands them to the settlement queue.
type Executor struct {
	specs  map[string]domain.PairSpec
	cache  *ReserveCache
	queue  Enqueuer
	cfg    atomic.Pointer[ExecConfig]
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// ExecOption configures an Executor.
type ExecOption func(*Executor)

// WithExecClock overrides time.Now.
func WithExecClock(now func() time.Time) ExecOption {
	return func(e *Executor) { e.now = now }
}

// WithExecIDs overrides settlement ID generation.
func WithExecIDs(newID func() string) ExecOption {
	return func(e *Executor) { e.newID = newID }
}

// NewExecutor creates an Executor.
func NewExecutor(specs []domain.PairSpec, cache *ReserveCache, queue Enqueuer, cfg ExecConfig, logger *slog.Logger, opts ...ExecOption) *Executor {
	e := &Executor{
		specs:  make(map[string]domain.PairSpec, len(specs)),
		cache:  cache,
		queue:  queue,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger.With(slog.String("component", "amm_executor")),
	}
	for _, s := range specs {
		e.specs[s.Symbol] = s
	}
	e.cfg.Store(&cfg)
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetConfig swaps the execution limits.
func (e *Executor) SetConfig(cfg ExecConfig) { e.cfg.Store(&cfg) }

// Reserves returns the usable snapshot for pair.
func (e *Executor) Reserves(pair string) (domain.PoolReserves, bool) {
	return e.cache.Usable(pair)
}

// Snapshot returns the cached reserves even when stale.
func (e *Executor) Snapshot(pair string) (domain.PoolReserves, bool) {
	return e.cache.Get(pair)
}

// Quote simulates a swap of amount base tokens against the cached reserves.
func (e *Executor) Quote(pair string, side domain.OrderSide, amount decimal.Decimal) (Quote, error) {
	spec, ok := e.specs[pair]
	if !ok {
		return Quote{}, fmt.Errorf("amm: quote %s: %w", pair, domain.ErrUnsupportedPair)
	}
	res, ok := e.cache.Usable(pair)
	if !ok {
		return Quote{}, fmt.Errorf("amm: quote %s: reserves stale or missing: %w", pair, domain.ErrPoolUnavailable)
	}
	return QuoteAgainst(spec, res, side, amount)
}

// Execute builds the slippage-bounded swap for q and enqueues it. The
// returned request is queued; chain submission happens on a settlement
// worker.
func (e *Executor) Execute(ctx context.Context, o domain.Order, q Quote) (domain.SettlementRequest, error) {
	cfg := e.cfg.Load()
	now := e.now()
	swap := domain.SwapInstruction{
		Pair:      q.Pair,
		Side:      q.Side,
		ExactIn:   q.Side == domain.OrderSideSell,
		AmountIn:  new(uint256.Int).Set(q.AmountIn),
		AmountOut: new(uint256.Int).Set(q.AmountOut),
		Deadline:  now.Add(cfg.SwapDeadline),
	}
	if swap.ExactIn {
		swap.Limit = scaleBps(q.AmountOut, bpsDenominator-cfg.SlippageToleranceBps)
	} else {
		swap.Limit = scaleBps(q.AmountIn, bpsDenominator+cfg.SlippageToleranceBps)
	}

	req := domain.SettlementRequest{
		ID:             e.newID(),
		OrderID:        o.ID,
		DedupKey:       "amm:" + o.ID,
		Pair:           q.Pair,
		Venue:          domain.VenueAMM,
		ExpectedAmount: q.Amount,
		ExpectedPrice:  q.ExecPrice,
		Status:         domain.SettlementQueued,
		Priority:       o.Priority,
		Swap:           &swap,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	out, err := e.queue.Enqueue(ctx, req)
	if err != nil {
		return domain.SettlementRequest{}, fmt.Errorf("amm: execute %s: %w", o.ID, err)
	}
	e.cache.Invalidate(q.Pair)

	e.logger.Debug("swap queued",
		slog.String("order_id", o.ID),
		slog.String("settlement_id", out.ID),
		slog.String("pair", q.Pair),
		slog.String("amount", q.Amount.String()),
		slog.String("exec_price", q.ExecPrice.String()),
	)
	return out, nil
}

func scaleBps(v *uint256.Int, bps uint64) *uint256.Int {
	out, overflow := new(uint256.Int).MulOverflow(v, uint256.NewInt(bps))
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out.Div(out, uint256.NewInt(bpsDenominator))
}
