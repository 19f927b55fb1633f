package service

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/shopspring/decimal"
)

// OrderView is a copy of an order with its state and fills.
type OrderView struct {
	Order domain.Order
	State domain.OrderState
	Fills []domain.Fill
}

type record struct {
	order domain.Order
	state domain.OrderState
	fills []domain.Fill
}

func (r *record) view() OrderView {
	return OrderView{
		Order: r.order,
		State: r.state,
		Fills: append([]domain.Fill(nil), r.fills...),
	}
}

// registry owns the mutable state of every live order. All changes go
// through its methods.
type registry struct {
	mu     sync.RWMutex
	orders map[string]*record
}

func newRegistry() *registry {
	return &registry{orders: make(map[string]*record)}
}

func (g *registry) add(o domain.Order, st domain.OrderState) OrderView {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := &record{order: o, state: st}
	g.orders[o.ID] = r
	return r.view()
}

func (g *registry) get(id string) (OrderView, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.orders[id]
	if !ok {
		return OrderView{}, false
	}
	return r.view(), true
}

// update applies fn to the record's state and stamps UpdatedAt. A status
// change that would leave a terminal status or step back in the lifecycle
// is dropped together with its reason; the other fields still apply.
func (g *registry) update(id string, now time.Time, fn func(*domain.OrderState)) (OrderView, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.orders[id]
	if !ok {
		return OrderView{}, false
	}
	prev := r.state
	fn(&r.state)
	if !canMove(prev.Status, r.state.Status) {
		r.state.Status = prev.Status
		r.state.Reason = prev.Reason
	}
	r.state.UpdatedAt = now
	return r.view(), true
}

// settleBook sets the status of an order that has been through the book
// from what it has actually filled. canceled is the amount the book
// dropped instead of resting.
func (g *registry) settleBook(id string, canceled decimal.Decimal, now time.Time) (OrderView, bool) {
	return g.update(id, now, func(st *domain.OrderState) {
		st.Venue = domain.VenueOrderbook
		amount := g.orders[id].order.Amount
		switch {
		case st.FilledAmount.GreaterThanOrEqual(amount):
			st.Status = domain.OrderStatusFilled
		case canceled.IsPositive() && st.FilledAmount.IsZero():
			st.Status = domain.OrderStatusCanceled
			st.Reason = "no_liquidity"
		case canceled.IsPositive():
			st.Status = domain.OrderStatusCanceled
			st.Reason = "remainder_canceled"
		case st.FilledAmount.IsPositive():
			st.Status = domain.OrderStatusPartiallyFilled
		default:
			st.Status = domain.OrderStatusRouted
		}
	})
}

// applyFills appends fills to their orders and recomputes filled amounts.
// The status moves to partially_filled or filled unless already terminal.
func (g *registry) applyFills(fills []domain.Fill, now time.Time) []OrderView {
	g.mu.Lock()
	defer g.mu.Unlock()
	touched := make(map[string]*record)
	var order []string
	for _, f := range fills {
		r, ok := g.orders[f.OrderID]
		if !ok {
			continue
		}
		r.fills = append(r.fills, f)
		r.state.FilledAmount = r.state.FilledAmount.Add(f.Amount)
		r.state.FilledNotional = r.state.FilledNotional.Add(f.Notional())
		r.state.Fills++
		if _, seen := touched[f.OrderID]; !seen {
			order = append(order, f.OrderID)
		}
		touched[f.OrderID] = r
	}
	out := make([]OrderView, 0, len(order))
	for _, id := range order {
		r := touched[id]
		if !r.state.Status.Terminal() {
			if r.state.FilledAmount.GreaterThanOrEqual(r.order.Amount) {
				r.state.Status = domain.OrderStatusFilled
			} else {
				r.state.Status = domain.OrderStatusPartiallyFilled
			}
		}
		r.state.UpdatedAt = now
		out = append(out, r.view())
	}
	return out
}

// markWarning flags the listed orders. Unknown IDs are skipped.
func (g *registry) markWarning(ids []string, now time.Time) []OrderView {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []OrderView
	for _, id := range ids {
		r, ok := g.orders[id]
		if !ok || r.state.SecurityWarning {
			continue
		}
		r.state.SecurityWarning = true
		r.state.UpdatedAt = now
		out = append(out, r.view())
	}
	return out
}

// evict drops terminal orders last updated before cutoff.
func (g *registry) evict(cutoff time.Time) []OrderView {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []OrderView
	for id, r := range g.orders {
		if r.state.Status.Terminal() && r.state.UpdatedAt.Before(cutoff) {
			out = append(out, r.view())
			delete(g.orders, id)
		}
	}
	return out
}

// byUser returns the user's orders, newest first.
func (g *registry) byUser(userID string) []OrderView {
	g.mu.RLock()
	var out []OrderView
	for _, r := range g.orders {
		if r.order.UserID == userID {
			out = append(out, r.view())
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Order.SubmittedAt.After(out[j].Order.SubmittedAt)
	})
	return out
}

func (g *registry) len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.orders)
}

// canMove reports whether an order may go from one status to another.
// Terminal statuses are final and the lifecycle only moves forward.
func canMove(from, to domain.OrderStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return stage(to) > stage(from)
}

func stage(s domain.OrderStatus) int {
	switch s {
	case domain.OrderStatusPending:
		return 0
	case domain.OrderStatusRouted:
		return 1
	case domain.OrderStatusPartiallyFilled:
		return 2
	default:
		return 3
	}
}

func newState(now time.Time) domain.OrderState {
	return domain.OrderState{
		Status:         domain.OrderStatusPending,
		FilledAmount:   decimal.Zero,
		FilledNotional: decimal.Zero,
		UpdatedAt:      now,
	}
}
