// Package matching implements per-pair price-time priority order books.
//
// Each pair is matched under its own mutex, so fills within a pair follow
// the order in which submits were accepted while different pairs match in
// parallel. Readers get immutable snapshots and never wait on a matcher.
package matching

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SelfTradePolicy decides what happens when an order would trade against a
// resting order of the same user.
type SelfTradePolicy string

const (
	SelfTradeSkip           SelfTradePolicy = "skip"
	SelfTradeCancelResting  SelfTradePolicy = "cancel_resting"
	SelfTradeCancelIncoming SelfTradePolicy = "cancel_incoming"
)

// Config holds the hot-reloadable matching settings.
type Config struct {
	SelfTrade       SelfTradePolicy
	AutoResumeAfter time.Duration // zero disables automatic recovery
}

type trade struct {
	id     string
	maker  domain.Order
	price  decimal.Decimal
	amount decimal.Decimal
	at     time.Time
}

// CanceledOrder is a resting order removed without trading.
type CanceledOrder struct {
	Order     domain.Order
	Remaining decimal.Decimal
}

// MatchResult is the outcome of one submit.
type MatchResult struct {
	Order      domain.Order
	Fills      []domain.Fill // the submitted order's fills, in match order
	MakerFills []domain.Fill // the resting orders' side of the same trades
	Filled     decimal.Decimal
	Remaining  decimal.Decimal // amount left resting (limit) or parked (stop)
	Canceled   decimal.Decimal // amount that will never execute
	Rested     bool
	Parked     bool

	// CanceledResting lists resting orders removed by self-trade prevention.
	CanceledResting []CanceledOrder
	// Triggered holds stop orders activated by this submit's trades.
	Triggered []MatchResult
}

// Status maps the result onto the order lifecycle.
func (r MatchResult) Status() domain.OrderStatus {
	switch {
	case r.Filled.Equal(r.Order.Amount):
		return domain.OrderStatusFilled
	case r.Filled.IsPositive():
		return domain.OrderStatusPartiallyFilled
	case r.Rested || r.Parked:
		return domain.OrderStatusRouted
	}
	return domain.OrderStatusCanceled
}

// AveragePrice is the volume-weighted price of r.Fills.
func (r MatchResult) AveragePrice() decimal.Decimal {
	if r.Filled.IsZero() {
		return decimal.Zero
	}
	notional := decimal.Zero
	for _, f := range r.Fills {
		notional = notional.Add(f.Notional())
	}
	return notional.Div(r.Filled)
}

// PauseHandler is told when a pair stops matching. It runs with the pair
// locked and must not block.
type PauseHandler func(pair string, err error)

// Engine owns every pair's book.
type Engine struct {
	mu    sync.RWMutex
	books map[string]*book

	cfg     atomic.Pointer[Config]
	now     func() time.Time
	newID   func() string
	onPause PauseHandler
	logger  *slog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the timestamp source for fills.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides trade ID generation.
func WithIDs(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithPauseHandler registers the fatal-pair alert hook.
func WithPauseHandler(h PauseHandler) Option {
	return func(e *Engine) { e.onPause = h }
}

// New creates an Engine with an empty book for every pair.
func New(pairs []string, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		books:  make(map[string]*book, len(pairs)),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger.With(slog.String("component", "matching")),
	}
	for _, p := range pairs {
		e.books[p] = newBook(p)
	}
	if cfg.SelfTrade == "" {
		cfg.SelfTrade = SelfTradeSkip
	}
	e.cfg.Store(&cfg)
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetConfig swaps the matching settings. In-flight submits keep the old ones.
func (e *Engine) SetConfig(cfg Config) {
	if cfg.SelfTrade == "" {
		cfg.SelfTrade = SelfTradeSkip
	}
	e.cfg.Store(&cfg)
}

func (e *Engine) config() Config { return *e.cfg.Load() }

// Pairs lists the pairs the engine matches, sorted.
func (e *Engine) Pairs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.books))
	for p := range e.books {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) book(pair string) (*book, error) {
	e.mu.RLock()
	b, ok := e.books[pair]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("matching: %q: %w", pair, domain.ErrUnsupportedPair)
	}
	return b, nil
}

// Submit matches o against its pair's book. Nothing is committed when an
// error is returned.
func (e *Engine) Submit(o domain.Order) (MatchResult, error) {
	b, err := e.book(o.Pair)
	if err != nil {
		return MatchResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := e.now()
	if err := e.checkPaused(b, now); err != nil {
		return MatchResult{}, err
	}
	if _, dup := b.index[o.ID]; dup {
		return MatchResult{}, fmt.Errorf("matching: order %s: %w", o.ID, domain.ErrAlreadyExists)
	}

	b.seq++
	res, err := e.execute(b, o, now)
	if err != nil {
		if errors.Is(err, domain.ErrInvariantViolation) {
			e.pause(b, err, now)
		}
		b.publish(now)
		return MatchResult{}, err
	}
	if len(res.Fills) > 0 {
		res.Triggered = e.runStops(b, now)
	}
	b.publish(now)
	return res, nil
}

func (e *Engine) execute(b *book, o domain.Order, now time.Time) (MatchResult, error) {
	var limit *decimal.Decimal
	switch t := o.Type.(type) {
	case domain.Limit:
		p := t.Price
		limit = &p
	case domain.Stop:
		if !stopFires(o.Side, b.last, t.Trigger) {
			b.park(o, t.Trigger)
			return MatchResult{
				Order:     o,
				Filled:    decimal.Zero,
				Remaining: o.Amount,
				Canceled:  decimal.Zero,
				Parked:    true,
			}, nil
		}
	case domain.Market:
	default:
		return MatchResult{}, fmt.Errorf("matching: order %s has no type: %w", o.ID, domain.ErrMalformedOrder)
	}

	res, p, err := e.match(b, o, limit, now)
	if err != nil {
		return MatchResult{}, err
	}
	left := o.Amount.Sub(res.Filled)
	switch {
	case left.IsZero():
	case limit != nil && !p.cancelIncoming:
		b.rest(o, *limit, left)
		res.Remaining = left
		res.Rested = true
	default:
		res.Canceled = left
	}
	return res, nil
}

// match plans and commits o against the book and converts trades to fills.
func (e *Engine) match(b *book, o domain.Order, limit *decimal.Decimal, now time.Time) (MatchResult, plan, error) {
	p, err := b.plan(o, o.Amount, limit, e.config().SelfTrade)
	if err != nil {
		return MatchResult{}, plan{}, err
	}
	trades, err := b.commit(o, p, now, e.newID)
	if err != nil {
		return MatchResult{}, plan{}, err
	}

	res := MatchResult{
		Order:     o,
		Filled:    p.filled,
		Remaining: decimal.Zero,
		Canceled:  decimal.Zero,
	}
	for _, t := range trades {
		res.Fills = append(res.Fills, domain.Fill{
			ID:                  t.id + "-t",
			OrderID:             o.ID,
			CounterpartyOrderID: t.maker.ID,
			Pair:                b.pair,
			Side:                o.Side,
			Price:               t.price,
			Amount:              t.amount,
			Venue:               domain.VenueOrderbook,
			Timestamp:           t.at,
		})
		res.MakerFills = append(res.MakerFills, domain.Fill{
			ID:                  t.id + "-m",
			OrderID:             t.maker.ID,
			CounterpartyOrderID: o.ID,
			Pair:                b.pair,
			Side:                t.maker.Side,
			Price:               t.price,
			Amount:              t.amount,
			Venue:               domain.VenueOrderbook,
			Timestamp:           t.at,
		})
	}
	for _, r := range p.cancelResting {
		res.CanceledResting = append(res.CanceledResting, CanceledOrder{Order: r.order, Remaining: r.remaining})
	}
	return res, p, nil
}

// runStops executes parked stops whose trigger the latest trades crossed.
// Each triggered stop trades as a market order and may trigger more.
func (e *Engine) runStops(b *book, now time.Time) []MatchResult {
	var out []MatchResult
	for {
		r, ok := b.triggered()
		if !ok {
			return out
		}
		res, _, err := e.match(b, r.order, nil, now)
		if err != nil {
			e.pause(b, err, now)
			out = append(out, MatchResult{
				Order:     r.order,
				Filled:    decimal.Zero,
				Remaining: decimal.Zero,
				Canceled:  r.order.Amount,
			})
			return out
		}
		res.Canceled = r.order.Amount.Sub(res.Filled)
		out = append(out, res)
	}
}

func stopFires(side domain.OrderSide, last, trigger decimal.Decimal) bool {
	if last.IsZero() {
		return false
	}
	if side == domain.OrderSideBuy {
		return !last.LessThan(trigger)
	}
	return !last.GreaterThan(trigger)
}

func (e *Engine) checkPaused(b *book, now time.Time) error {
	if !b.paused.Load() {
		return nil
	}
	auto := e.config().AutoResumeAfter
	if auto > 0 && now.Sub(b.pausedAt) >= auto {
		dropped := b.sweep()
		b.paused.Store(false)
		b.reason = ""
		e.logger.Warn("pair resumed automatically",
			slog.String("pair", b.pair),
			slog.Int("dropped_orders", len(dropped)),
		)
		return nil
	}
	return fmt.Errorf("matching: %s: %w", b.pair, domain.ErrPairPaused)
}

func (e *Engine) pause(b *book, err error, now time.Time) {
	b.paused.Store(true)
	b.pausedAt = now
	b.reason = err.Error()
	e.logger.Error("pair paused after invariant violation",
		slog.String("pair", b.pair),
		slog.String("error", err.Error()),
	)
	if e.onPause != nil {
		e.onPause(b.pair, err)
	}
}

// Cancel removes a resting limit order or a parked stop order.
func (e *Engine) Cancel(pair, orderID string) (CanceledOrder, error) {
	b, err := e.book(pair)
	if err != nil {
		return CanceledOrder{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.index[orderID]
	if !ok {
		return CanceledOrder{}, fmt.Errorf("matching: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	if _, isStop := r.order.Type.(domain.Stop); isStop {
		b.unpark(orderID)
	} else {
		b.remove(b.side(r.order.Side), r)
	}
	b.publish(e.now())
	return CanceledOrder{Order: r.order, Remaining: r.remaining}, nil
}

// Resume clears a pause after dropping resting orders that fail the
// integrity checks. It returns the dropped order IDs.
func (e *Engine) Resume(pair string) ([]string, error) {
	b, err := e.book(pair)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := b.sweep()
	b.paused.Store(false)
	b.reason = ""
	b.publish(e.now())
	e.logger.Info("pair resumed",
		slog.String("pair", pair),
		slog.Int("dropped_orders", len(dropped)),
	)
	return dropped, nil
}

// Paused reports whether pair is currently refusing submits.
func (e *Engine) Paused(pair string) bool {
	b, err := e.book(pair)
	if err != nil {
		return false
	}
	return b.paused.Load()
}

// Depth returns the latest snapshot, truncated to levels per side when
// levels > 0.
func (e *Engine) Depth(pair string, levels int) (Depth, error) {
	b, err := e.book(pair)
	if err != nil {
		return Depth{}, err
	}
	d := b.published.Load().depth
	d.Paused = b.paused.Load()
	if levels > 0 {
		if len(d.Bids) > levels {
			d.Bids = d.Bids[:levels]
		}
		if len(d.Asks) > levels {
			d.Asks = d.Asks[:levels]
		}
	}
	return d, nil
}

// LastPrice returns the pair's last trade price.
func (e *Engine) LastPrice(pair string) (decimal.Decimal, bool) {
	b, err := e.book(pair)
	if err != nil {
		return decimal.Zero, false
	}
	v := b.published.Load()
	return v.lastPrice, v.hasLast
}

// Market summarizes the pair's top of book and trading activity.
func (e *Engine) Market(pair string) (MarketStatus, error) {
	b, err := e.book(pair)
	if err != nil {
		return MarketStatus{}, err
	}
	v := b.published.Load()
	now := e.now()

	st := MarketStatus{
		Pair:        pair,
		LastPrice:   v.lastPrice,
		HasLast:     v.hasLast,
		Volume24h:   decimal.Zero,
		Paused:      b.paused.Load(),
		PauseReason: v.reason,
		UpdatedAt:   v.depth.At,
	}
	if len(v.depth.Bids) > 0 {
		st.BestBid, st.HasBid = v.depth.Bids[0].Price, true
	}
	if len(v.depth.Asks) > 0 {
		st.BestAsk, st.HasAsk = v.depth.Asks[0].Price, true
	}
	cut := now.Add(-volumeWindow)
	for _, t := range v.trades {
		if !t.at.Before(cut) {
			st.Volume24h = st.Volume24h.Add(t.amount)
		}
	}
	return st, nil
}
