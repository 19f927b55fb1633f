// Package service strings the engine's components into the order pipeline:
// validation, security, routing, execution on the book or the pool, and the
// asynchronous settlement follow-up.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/amm"
	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/alanyoungcy/hybridengine/internal/events"
	"github.com/alanyoungcy/hybridengine/internal/matching"
	"github.com/alanyoungcy/hybridengine/internal/metrics"
	"github.com/alanyoungcy/hybridengine/internal/routing"
	"github.com/alanyoungcy/hybridengine/internal/security"
	"github.com/alanyoungcy/hybridengine/internal/settlement"
	"github.com/alanyoungcy/hybridengine/internal/validator"
	"github.com/shopspring/decimal"
)

// backpressureRetry is the retry hint returned while the settlement queue is
// above its high-water mark.
const backpressureRetry = time.Second

// Publisher fans encoded events out to subscribers. The signal bus and the
// message broker both implement it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Components are the pipeline stages. All are required.
type Components struct {
	Validator *validator.Validator
	Guard     *security.Guard
	Router    *routing.Router
	Matching  *matching.Engine
	AMM       *amm.Executor
	Queue     *settlement.Queue
	Metrics   *metrics.Reporter
}

// Summary totals an order's executions.
type Summary struct {
	TotalFilled  decimal.Decimal
	AveragePrice decimal.Decimal
	TotalChunks  int
}

// Result is the synchronous answer to Submit.
type Result struct {
	OrderID         string
	Status          domain.OrderStatus
	Venue           domain.Venue
	SecurityWarning bool
	Reason          string
	SettlementID    string
	RetryAfter      time.Duration
	// Accepted is the amount sent to the venue; smaller than the order
	// amount when the impact breaker down-sized it.
	Accepted decimal.Decimal
	Summary  Summary
}

// OrderService handles the order lifecycle from request to settlement.
type OrderService struct {
	c           Components
	reg         *registry
	orders      domain.OrderStore
	fills       domain.FillStore
	settlements domain.SettlementStore
	audit       domain.AuditStore
	publishers  []Publisher
	alerts      domain.AlertSink
	settleFills bool
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures an OrderService.
type Option func(*OrderService)

// WithStores attaches persistence. Any argument may be nil.
func WithStores(orders domain.OrderStore, fills domain.FillStore, settlements domain.SettlementStore, audit domain.AuditStore) Option {
	return func(s *OrderService) {
		s.orders, s.fills, s.settlements, s.audit = orders, fills, settlements, audit
	}
}

// WithPublishers adds event fan-out targets.
func WithPublishers(p ...Publisher) Option {
	return func(s *OrderService) { s.publishers = append(s.publishers, p...) }
}

// WithAlertSink delivers paused-pair and abandoned-settlement alerts.
func WithAlertSink(a domain.AlertSink) Option {
	return func(s *OrderService) { s.alerts = a }
}

// WithSettleFills routes orderbook fills through the settlement queue's
// ledger source instead of writing them directly.
func WithSettleFills(on bool) Option {
	return func(s *OrderService) { s.settleFills = on }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *OrderService) { s.now = now }
}

// NewOrderService creates an OrderService.
func NewOrderService(c Components, logger *slog.Logger, opts ...Option) *OrderService {
	s := &OrderService{
		c:      c,
		reg:    newRegistry(),
		now:    time.Now,
		logger: logger.With(slog.String("component", "order_service")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *OrderService) observe(component string, start time.Time, err error) {
	s.c.Metrics.Record(metrics.Event{
		Component: component,
		Latency:   s.now().Sub(start),
		Failed:    err != nil,
	})
}

// Submit runs raw through the pipeline. Rejections return a Result with
// status rejected together with an error from the domain taxonomy.
func (s *OrderService) Submit(ctx context.Context, raw validator.RawOrder) (res Result, err error) {
	start := s.now()
	defer func() { s.observe(metrics.ComponentAPI, start, err) }()

	o, err := s.c.Validator.Validate(raw)
	s.observe(metrics.ComponentValidator, start, err)
	if err != nil {
		s.auditLog(ctx, "order_rejected", map[string]any{
			"pair":   raw.Pair,
			"user":   raw.UserID,
			"reason": domain.ReasonCode(err),
		})
		return Result{Status: domain.OrderStatusRejected, Reason: domain.ReasonCode(err)}, err
	}

	view := s.reg.add(o, newState(start))
	s.persistCreate(ctx, view)

	// Security.
	gstart := s.now()
	id := domain.Identity{UserID: o.UserID, SourceIP: o.SourceIP}
	d := s.c.Guard.Authorize(ctx, o, s.c.Validator.Notional(o), id)
	s.recordGuard(d, gstart)
	if d.SecurityWarning {
		s.reg.update(o.ID, s.now(), func(st *domain.OrderState) { st.SecurityWarning = true })
		for _, v := range s.reg.markWarning(d.RelatedOrderIDs, s.now()) {
			s.persistState(ctx, v)
			s.publishOrder(ctx, v)
		}
	}
	if err := d.Err(); err != nil {
		return s.reject(ctx, o, err, d.RetryAfter)
	}

	// Routing.
	rstart := s.now()
	pool, poolOK := s.c.AMM.Reserves(o.Pair)
	depth, err := s.c.Matching.Depth(o.Pair, 0)
	if err != nil {
		s.observe(metrics.ComponentRouter, rstart, err)
		return s.reject(ctx, o, err, 0)
	}
	venue, err := s.c.Router.Route(routing.Input{
		Order:   o,
		Pool:    pool,
		PoolOK:  poolOK,
		Depth:   depth,
		Flagged: d.Flagged,
	})
	s.observe(metrics.ComponentRouter, rstart, err)
	if err != nil {
		return s.reject(ctx, o, err, 0)
	}

	if venue == domain.VenueAMM {
		return s.executeAMM(ctx, o, d.Flagged)
	}
	return s.executeBook(ctx, o)
}

func (s *OrderService) recordGuard(d security.Decision, start time.Time) {
	ev := metrics.Event{Component: metrics.ComponentGuard, Latency: s.now().Sub(start)}
	switch {
	case d.FailOpen:
		ev.Incident = "fail_open"
	case d.Verdict == security.Block:
		ev.Incident = "block"
	case d.Verdict == security.Throttle:
		ev.Incident = "throttle"
	case d.Pattern != security.PatternNone:
		ev.Incident = string(d.Pattern)
	case d.RequiresConfirmation:
		ev.Incident = "confirmation_required"
	}
	s.c.Metrics.Record(ev)
}

func (s *OrderService) reject(ctx context.Context, o domain.Order, err error, retry time.Duration) (Result, error) {
	reason := domain.ReasonCode(err)
	v, _ := s.reg.update(o.ID, s.now(), func(st *domain.OrderState) {
		st.Status = domain.OrderStatusRejected
		st.Reason = reason
	})
	s.persistState(ctx, v)
	s.publishOrder(ctx, v)
	s.auditLog(ctx, "order_rejected", map[string]any{
		"order_id": o.ID,
		"pair":     o.Pair,
		"user":     o.UserID,
		"reason":   reason,
	})
	s.logger.InfoContext(ctx, "order rejected",
		slog.String("order_id", o.ID),
		slog.String("reason", reason),
	)
	res := resultOf(v)
	res.RetryAfter = retry
	return res, err
}

func resultOf(v OrderView) Result {
	return Result{
		OrderID:         v.Order.ID,
		Status:          v.State.Status,
		Venue:           v.State.Venue,
		SecurityWarning: v.State.SecurityWarning,
		Reason:          v.State.Reason,
		SettlementID:    v.State.SettlementID,
		Summary: Summary{
			TotalFilled:  v.State.FilledAmount,
			AveragePrice: v.State.AveragePrice(),
			TotalChunks:  v.State.Fills,
		},
	}
}

func (s *OrderService) executeBook(ctx context.Context, o domain.Order) (Result, error) {
	start := s.now()
	res, err := s.c.Matching.Submit(o)
	s.c.Metrics.Record(metrics.Event{
		Component: metrics.ComponentMatching,
		Latency:   s.now().Sub(start),
		Failed:    err != nil,
		Trades:    len(res.Fills),
	})
	if err != nil {
		return s.reject(ctx, o, err, 0)
	}
	s.applyMatch(ctx, res)

	v, _ := s.reg.get(o.ID)
	out := resultOf(v)
	out.Accepted = o.Amount
	s.auditLog(ctx, "order_accepted", map[string]any{
		"order_id": o.ID,
		"pair":     o.Pair,
		"venue":    string(domain.VenueOrderbook),
		"filled":   v.State.FilledAmount.String(),
	})
	return out, nil
}

// applyMatch folds a match result, and any stops it triggered, into the
// registry.
func (s *OrderService) applyMatch(ctx context.Context, res matching.MatchResult) {
	now := s.now()
	fills := make([]domain.Fill, 0, 2*len(res.Fills))
	fills = append(fills, res.Fills...)
	fills = append(fills, res.MakerFills...)
	changed := s.reg.applyFills(fills, now)

	for _, c := range res.CanceledResting {
		if v, ok := s.reg.update(c.Order.ID, now, func(st *domain.OrderState) {
			st.Status = domain.OrderStatusCanceled
			st.Reason = "self_trade"
		}); ok {
			changed = append(changed, v)
		}
	}
	// The book lock is released by now, so a counter order or a cancel may
	// already have moved this order on. Its status follows its fills.
	if v, ok := s.reg.settleBook(res.Order.ID, res.Canceled, now); ok {
		changed = append(changed, v)
	}

	for _, v := range changed {
		s.persistState(ctx, v)
		s.publishOrder(ctx, v)
	}
	s.recordFills(ctx, res.Fills, fills, res.Order.Priority)

	for _, t := range res.Triggered {
		s.applyMatch(ctx, t)
	}
}

// recordFills publishes the taker side of each trade and persists both
// sides, either directly or through the ledger source.
func (s *OrderService) recordFills(ctx context.Context, taker, fills []domain.Fill, prio domain.Priority) {
	if len(fills) == 0 {
		return
	}
	for _, f := range taker {
		s.publish(ctx, domain.ChannelTrades, events.Trade(f))
	}
	if s.settleFills {
		for i := range fills {
			f := fills[i]
			_, err := s.c.Queue.Enqueue(ctx, domain.SettlementRequest{
				OrderID:        f.OrderID,
				DedupKey:       "fill:" + f.ID,
				Pair:           f.Pair,
				Venue:          domain.VenueOrderbook,
				ExpectedAmount: f.Amount,
				ExpectedPrice:  f.Price,
				Priority:       prio,
				Fill:           &f,
			})
			if err != nil {
				s.logger.ErrorContext(ctx, "enqueue fill settlement failed",
					slog.String("fill_id", f.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		return
	}
	if s.fills == nil {
		return
	}
	if err := s.fills.InsertBatch(ctx, fills); err != nil {
		s.logger.ErrorContext(ctx, "persist fills failed",
			slog.Int("count", len(fills)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) executeAMM(ctx context.Context, o domain.Order, flagged bool) (Result, error) {
	start := s.now()
	if o.Kind() != domain.OrderKindMarket {
		err := fmt.Errorf("service: %s order routed to pool: %w", o.Kind(), domain.ErrInvariantViolation)
		s.observe(metrics.ComponentAMM, start, err)
		return s.reject(ctx, o, err, 0)
	}
	if s.c.Queue.Saturated() {
		err := &domain.SecurityError{Err: domain.ErrBackpressure, RetryAfter: backpressureRetry}
		s.c.Metrics.Record(metrics.Event{Component: metrics.ComponentAMM, Incident: "backpressure"})
		return s.reject(ctx, o, err, backpressureRetry)
	}

	spec, _ := s.c.Validator.Pair(o.Pair)
	q, err := s.c.AMM.Quote(o.Pair, o.Side, o.Amount)
	if err != nil {
		s.observe(metrics.ComponentAMM, start, err)
		return s.reject(ctx, o, err, 0)
	}
	allowed, err := s.c.Guard.CheckPriceImpact(spec, o, q, flagged)
	if err != nil {
		s.c.Metrics.Record(metrics.Event{Component: metrics.ComponentGuard, Incident: "price_impact"})
		return s.reject(ctx, o, err, 0)
	}
	downsized := allowed.LessThan(o.Amount)
	if downsized {
		if q, err = s.c.AMM.Quote(o.Pair, o.Side, allowed); err != nil {
			s.observe(metrics.ComponentAMM, start, err)
			return s.reject(ctx, o, err, 0)
		}
	}

	// Routed before the swap is queued: its completion may land before
	// Execute returns.
	s.reg.update(o.ID, s.now(), func(st *domain.OrderState) {
		st.Venue = domain.VenueAMM
		st.Status = domain.OrderStatusRouted
	})
	req, err := s.c.AMM.Execute(ctx, o, q)
	s.observe(metrics.ComponentAMM, start, err)
	if err != nil {
		return s.reject(ctx, o, err, 0)
	}

	v, _ := s.reg.update(o.ID, s.now(), func(st *domain.OrderState) {
		st.SettlementID = req.ID
		if downsized && st.Reason == "" {
			st.Reason = "downsized"
		}
	})
	s.persistState(ctx, v)
	s.publishOrder(ctx, v)
	s.auditLog(ctx, "order_accepted", map[string]any{
		"order_id":      o.ID,
		"pair":          o.Pair,
		"venue":         string(domain.VenueAMM),
		"amount":        q.Amount.String(),
		"exec_price":    q.ExecPrice.String(),
		"price_impact":  q.PriceImpact.String(),
		"settlement_id": req.ID,
	})
	s.logger.InfoContext(ctx, "order sent to pool",
		slog.String("order_id", o.ID),
		slog.String("settlement_id", req.ID),
		slog.String("amount", q.Amount.String()),
	)
	out := resultOf(v)
	out.Accepted = q.Amount
	return out, nil
}

// Run consumes settlement completion events until ctx is canceled.
func (s *OrderService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.c.Queue.Events():
			if !ok {
				return nil
			}
			s.HandleCompletion(ctx, ev)
		}
	}
}

// HandleCompletion applies a terminal settlement to its order.
func (s *OrderService) HandleCompletion(ctx context.Context, ev domain.CompletionEvent) {
	s.c.Metrics.Record(metrics.Event{
		Component: metrics.ComponentSettlement,
		Latency:   ev.Latency,
		Failed:    ev.Status != domain.SettlementConfirmed,
	})
	s.publish(ctx, domain.ChannelSettlements, events.Settlement(ev))
	s.auditLog(ctx, "settlement_"+string(ev.Status), map[string]any{
		"settlement_id": ev.SettlementID,
		"order_id":      ev.OrderID,
		"venue":         string(ev.Venue),
		"tx_hash":       ev.TxHash,
		"reason":        ev.Reason,
		"attempts":      ev.Attempts,
	})

	if ev.Status == domain.SettlementAbandoned {
		s.logger.ErrorContext(ctx, "settlement abandoned; manual reconciliation required",
			slog.String("settlement_id", ev.SettlementID),
			slog.String("order_id", ev.OrderID),
			slog.String("tx_hash", ev.TxHash),
		)
		s.alert(ctx, domain.Alert{
			Kind:      domain.AlertSettlementAbandoned,
			Name:      ev.SettlementID,
			Component: metrics.ComponentSettlement,
			Message:   fmt.Sprintf("order %s on %s: no confirmation for tx %q after %s", ev.OrderID, ev.Pair, ev.TxHash, ev.Latency.Round(time.Second)),
			At:        ev.At,
		})
	}

	// Orderbook fills are already applied; only pool swaps change order
	// state here.
	if ev.Venue != domain.VenueAMM {
		return
	}
	now := s.now()
	var changed []OrderView
	if ev.Status == domain.SettlementConfirmed {
		fill := domain.Fill{
			ID:        "amm-" + ev.SettlementID,
			OrderID:   ev.OrderID,
			Pair:      ev.Pair,
			Price:     ev.Price,
			Amount:    ev.Amount,
			Venue:     domain.VenueAMM,
			Timestamp: ev.At,
		}
		if v, ok := s.reg.get(ev.OrderID); ok {
			fill.Side = v.Order.Side
		}
		changed = s.reg.applyFills([]domain.Fill{fill}, now)
		if v, ok := s.reg.update(ev.OrderID, now, func(st *domain.OrderState) {
			// A down-sized swap still completes the order.
			st.Status = domain.OrderStatusFilled
		}); ok {
			changed = append(changed[:0], v)
		}
		s.c.Metrics.Record(metrics.Event{Trades: 1})
		s.publish(ctx, domain.ChannelTrades, events.Trade(fill))
		if s.fills != nil {
			if err := s.fills.InsertBatch(ctx, []domain.Fill{fill}); err != nil {
				s.logger.ErrorContext(ctx, "persist fill failed",
					slog.String("fill_id", fill.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	} else {
		if v, ok := s.reg.update(ev.OrderID, now, func(st *domain.OrderState) {
			st.Status = domain.OrderStatusFailed
			st.Reason = ev.Reason
		}); ok {
			changed = append(changed, v)
		}
	}
	for _, v := range changed {
		s.persistState(ctx, v)
		s.publishOrder(ctx, v)
	}
}

// Cancel removes a resting order. A non-empty userID must own the order.
func (s *OrderService) Cancel(ctx context.Context, orderID, userID string) (OrderView, error) {
	v, ok := s.reg.get(orderID)
	if !ok || (userID != "" && v.Order.UserID != userID) {
		return OrderView{}, fmt.Errorf("service: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	if _, err := s.c.Matching.Cancel(v.Order.Pair, orderID); err != nil {
		return OrderView{}, fmt.Errorf("service: cancel %s: %w", orderID, err)
	}
	v, _ = s.reg.update(orderID, s.now(), func(st *domain.OrderState) {
		st.Status = domain.OrderStatusCanceled
		st.Reason = "user_canceled"
	})
	s.persistState(ctx, v)
	s.publishOrder(ctx, v)
	s.auditLog(ctx, "order_canceled", map[string]any{"order_id": orderID, "user": userID})
	return v, nil
}

// GetOrder returns an order from memory, falling back to the store for
// evicted orders.
func (s *OrderService) GetOrder(ctx context.Context, id string) (OrderView, error) {
	if v, ok := s.reg.get(id); ok {
		return v, nil
	}
	if s.orders == nil {
		return OrderView{}, fmt.Errorf("service: order %s: %w", id, domain.ErrNotFound)
	}
	rec, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return OrderView{}, fmt.Errorf("service: order %s: %w", id, err)
	}
	v := OrderView{Order: rec.Order, State: rec.State}
	if s.fills != nil {
		if fills, err := s.fills.ListByOrder(ctx, id); err == nil {
			v.Fills = fills
		}
	}
	return v, nil
}

// ListOrders returns a user's orders, newest first. The store is
// authoritative when configured since it still holds evicted orders.
func (s *OrderService) ListOrders(ctx context.Context, userID string, opts domain.ListOpts) ([]OrderView, error) {
	if s.orders == nil {
		views := s.reg.byUser(userID)
		if opts.Offset >= len(views) {
			return nil, nil
		}
		views = views[opts.Offset:]
		if opts.Limit > 0 && len(views) > opts.Limit {
			views = views[:opts.Limit]
		}
		return views, nil
	}
	recs, err := s.orders.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("service: list orders for %s: %w", userID, err)
	}
	out := make([]OrderView, 0, len(recs))
	for _, rec := range recs {
		if v, ok := s.reg.get(rec.Order.ID); ok {
			out = append(out, v)
			continue
		}
		out = append(out, OrderView{Order: rec.Order, State: rec.State})
	}
	return out, nil
}

// GetSettlement returns the latest settlement request for an order.
func (s *OrderService) GetSettlement(ctx context.Context, orderID string) (domain.SettlementRequest, error) {
	if req, ok := s.c.Queue.GetByOrderID(orderID); ok {
		return req, nil
	}
	if s.settlements == nil {
		return domain.SettlementRequest{}, fmt.Errorf("service: settlement for %s: %w", orderID, domain.ErrNotFound)
	}
	req, err := s.settlements.GetByOrderID(ctx, orderID)
	if err != nil {
		return domain.SettlementRequest{}, fmt.Errorf("service: settlement for %s: %w", orderID, err)
	}
	return req, nil
}

// PoolSummary is the dashboard view of a pair's pool.
type PoolSummary struct {
	BaseReserve  decimal.Decimal `json:"baseReserve"`
	QuoteReserve decimal.Decimal `json:"quoteReserve"`
	SpotPrice    decimal.Decimal `json:"spotPrice"`
	FeeBps       uint64          `json:"feeBps"`
	Stale        bool            `json:"stale"`
	LastSyncedAt time.Time       `json:"lastSyncedAt"`
}

// MarketView combines book and pool status.
type MarketView struct {
	matching.MarketStatus
	Pool *PoolSummary `json:"pool,omitempty"`
}

// Market returns the pair's market summary.
func (s *OrderService) Market(pair string) (MarketView, error) {
	st, err := s.c.Matching.Market(pair)
	if err != nil {
		return MarketView{}, fmt.Errorf("service: market %s: %w", pair, err)
	}
	mv := MarketView{MarketStatus: st}
	spec, ok := s.c.Validator.Pair(pair)
	if !ok {
		return mv, nil
	}
	if res, ok := s.c.AMM.Snapshot(pair); ok && !res.Empty() {
		mv.Pool = &PoolSummary{
			BaseReserve:  spec.FromBaseUnits(res.Base),
			QuoteReserve: spec.FromQuoteUnits(res.Quote),
			SpotPrice:    amm.SpotPrice(spec, res.Base, res.Quote),
			FeeBps:       res.FeeBps,
			Stale:        res.Stale,
			LastSyncedAt: res.LastSyncedAt,
		}
	}
	return mv, nil
}

// Depth returns the pair's book snapshot.
func (s *OrderService) Depth(pair string, levels int) (matching.Depth, error) {
	d, err := s.c.Matching.Depth(pair, levels)
	if err != nil {
		return matching.Depth{}, fmt.Errorf("service: depth %s: %w", pair, err)
	}
	return d, nil
}

// Pairs lists tradable pairs.
func (s *OrderService) Pairs() []string { return s.c.Matching.Pairs() }

// Resume restarts matching on a paused pair. Resting orders dropped by the
// integrity sweep are marked canceled.
func (s *OrderService) Resume(ctx context.Context, pair string) ([]string, error) {
	dropped, err := s.c.Matching.Resume(pair)
	if err != nil {
		return nil, fmt.Errorf("service: resume %s: %w", pair, err)
	}
	for _, id := range dropped {
		if v, ok := s.reg.update(id, s.now(), func(st *domain.OrderState) {
			st.Status = domain.OrderStatusCanceled
			st.Reason = "invariant_violation"
		}); ok {
			s.persistState(ctx, v)
			s.publishOrder(ctx, v)
		}
	}
	s.auditLog(ctx, "pair_resumed", map[string]any{"pair": pair, "dropped": len(dropped)})
	return dropped, nil
}

// PairPaused is the matching engine's pause hook. It must not block, so the
// alert goes out on its own goroutine.
func (s *OrderService) PairPaused(pair string, cause error) {
	s.c.Metrics.Record(metrics.Event{Component: metrics.ComponentMatching, Failed: true, Incident: "pair_paused"})
	a := domain.Alert{
		Kind:      domain.AlertPairPaused,
		Name:      pair,
		Component: metrics.ComponentMatching,
		Message:   cause.Error(),
		At:        s.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.alert(ctx, a)
		s.auditLog(ctx, "pair_paused", map[string]any{"pair": pair, "error": cause.Error()})
	}()
}

// Evict forgets terminal orders and settlements last updated before cutoff.
func (s *OrderService) Evict(cutoff time.Time) (orders, settlements int) {
	return len(s.reg.evict(cutoff)), len(s.c.Queue.Evict(cutoff))
}

// Live is the number of orders held in memory.
func (s *OrderService) Live() int { return s.reg.len() }

func (s *OrderService) alert(ctx context.Context, a domain.Alert) {
	s.publish(ctx, domain.ChannelAlerts, events.Alert(a))
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Alert(ctx, a); err != nil {
		s.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("kind", a.Kind),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) publishOrder(ctx context.Context, v OrderView) {
	if v.Order.ID == "" {
		return
	}
	s.publish(ctx, domain.ChannelOrders, events.Order(v.Order, v.State))
}

func (s *OrderService) publish(ctx context.Context, channel string, env events.Envelope) {
	if len(s.publishers) == 0 {
		return
	}
	payload, err := events.Marshal(env)
	if err != nil {
		s.logger.WarnContext(ctx, "encode event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, p := range s.publishers {
		if err := p.Publish(ctx, channel, payload); err != nil {
			s.logger.WarnContext(ctx, "publish event failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *OrderService) persistCreate(ctx context.Context, v OrderView) {
	if s.orders == nil {
		return
	}
	if err := s.orders.Create(ctx, domain.OrderRecord{Order: v.Order, State: v.State}); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		s.logger.WarnContext(ctx, "persist order failed",
			slog.String("order_id", v.Order.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) persistState(ctx context.Context, v OrderView) {
	if s.orders == nil || v.Order.ID == "" {
		return
	}
	if err := s.orders.UpdateState(ctx, v.Order.ID, v.State); err != nil {
		s.logger.WarnContext(ctx, "persist order state failed",
			slog.String("order_id", v.Order.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
