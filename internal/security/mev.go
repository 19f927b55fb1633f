package security

import (
	"sync"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/shopspring/decimal"
)

// maxRecent bounds the per-pair history kept for pattern detection.
const maxRecent = 512

type recentOrder struct {
	orderID  string
	userID   string
	sourceIP string
	side     domain.OrderSide
	amount   decimal.Decimal
	notional decimal.Decimal
	at       time.Time
}

func (r recentOrder) sameIdentity(id domain.Identity) bool {
	return (r.userID != "" && r.userID == id.UserID) ||
		(r.sourceIP != "" && r.sourceIP == id.SourceIP)
}

type pairRing struct {
	mu     sync.Mutex
	orders []recentOrder
}

type mevTracker struct {
	mu    sync.Mutex
	pairs map[string]*pairRing
}

func newMEVTracker() *mevTracker {
	return &mevTracker{pairs: make(map[string]*pairRing)}
}

func (t *mevTracker) ring(pair string) *pairRing {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.pairs[pair]
	if !ok {
		r = &pairRing{}
		t.pairs[pair] = r
	}
	return r
}

func (t *mevTracker) sweep(now time.Time, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for pair, r := range t.pairs {
		r.mu.Lock()
		r.prune(now, window)
		empty := len(r.orders) == 0
		r.mu.Unlock()
		if empty {
			delete(t.pairs, pair)
			removed++
		}
	}
	return removed
}

func (r *pairRing) prune(now time.Time, window time.Duration) {
	cut := now.Add(-window)
	i := 0
	for i < len(r.orders) && r.orders[i].at.Before(cut) {
		i++
	}
	if i > 0 {
		r.orders = append(r.orders[:0], r.orders[i:]...)
	}
}

// comparableSize reports whether the larger of a and b is at most ratio times the
// smaller.
func comparableSize(a, b, ratio decimal.Decimal) bool {
	if !a.IsPositive() || !b.IsPositive() {
		return false
	}
	hi, lo := decimal.Max(a, b), decimal.Min(a, b)
	return !hi.Div(lo).GreaterThan(ratio)
}

// checkMEV looks for a large order on the opposite side, inside the window,
// followed now by a comparable order from the same identity. Another
// identity's same-side order in between makes it a sandwich.
func (g *Guard) checkMEV(cfg *Config, o domain.Order, notional decimal.Decimal, id domain.Identity, now, deadline time.Time, d *Decision) {
	if cfg.MEVWindow <= 0 {
		return
	}
	ring := g.mev.ring(o.Pair)
	if !tryLockUntil(&ring.mu, deadline) {
		g.failOpens.Add(1)
		return
	}
	defer ring.mu.Unlock()
	ring.prune(now, cfg.MEVWindow)

	for i := len(ring.orders) - 1; i >= 0; i-- {
		lead := ring.orders[i]
		if lead.side != o.Side.Opposite() || !lead.sameIdentity(id) {
			continue
		}
		if lead.notional.LessThan(cfg.LargeOrderNotional) || !comparableSize(lead.amount, o.Amount, cfg.ComparableSizeRatio) {
			continue
		}
		d.SecurityWarning = true
		d.Pattern = PatternFrontRun
		d.RelatedOrderIDs = append(d.RelatedOrderIDs, lead.orderID)
		for _, mid := range ring.orders[i+1:] {
			if mid.side == lead.side && !mid.sameIdentity(id) {
				d.Pattern = PatternSandwich
				d.RelatedOrderIDs = append(d.RelatedOrderIDs, mid.orderID)
			}
		}
		break
	}

	if d.SecurityWarning && cfg.RequireConfirmation && !o.Confirmed {
		d.RequiresConfirmation = true
		return
	}

	ring.orders = append(ring.orders, recentOrder{
		orderID:  o.ID,
		userID:   id.UserID,
		sourceIP: id.SourceIP,
		side:     o.Side,
		amount:   o.Amount,
		notional: notional,
		at:       now,
	})
	if len(ring.orders) > maxRecent {
		ring.orders = append(ring.orders[:0], ring.orders[len(ring.orders)-maxRecent:]...)
	}
}
