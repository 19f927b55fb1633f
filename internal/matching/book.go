package matching

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// maxSnapshotLevels bounds the levels copied into each published snapshot.
const maxSnapshotLevels = 1000

const volumeWindow = 24 * time.Hour

type resting struct {
	order     domain.Order
	price     decimal.Decimal // limit price, or stop trigger while parked
	remaining decimal.Decimal
	seq       uint64
}

type level struct {
	price  decimal.Decimal
	orders []*resting
}

type tradeMark struct {
	at     time.Time
	amount decimal.Decimal
}

// view is what readers see. It is replaced, never mutated.
type view struct {
	depth     Depth
	lastPrice decimal.Decimal
	hasLast   bool
	trades    []tradeMark
	reason    string
}

// book is a single pair. mu is held for the whole of a submit, so at most
// one match runs per pair.
type book struct {
	mu     sync.Mutex
	pair   string
	bids   *btree.BTreeG[*level] // best (highest) first
	asks   *btree.BTreeG[*level] // best (lowest) first
	index  map[string]*resting
	stops  []*resting
	seq    uint64
	last   decimal.Decimal
	trades []tradeMark

	paused   atomic.Bool
	pausedAt time.Time
	reason   string

	published atomic.Pointer[view]
}

func newBook(pair string) *book {
	b := &book{
		pair: pair,
		bids: btree.NewBTreeG(func(a, b *level) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewBTreeG(func(a, b *level) bool {
			return a.price.LessThan(b.price)
		}),
		index: make(map[string]*resting),
	}
	b.publish(time.Time{})
	return b
}

func (b *book) side(s domain.OrderSide) *btree.BTreeG[*level] {
	if s == domain.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// step is one planned fill against a resting order.
type step struct {
	maker  *resting
	amount decimal.Decimal
}

type plan struct {
	steps          []step
	cancelResting  []*resting
	filled         decimal.Decimal
	cancelIncoming bool
}

// crosses reports whether a resting price is acceptable to the incoming
// order. Market orders accept any price.
func crosses(side domain.OrderSide, limit *decimal.Decimal, price decimal.Decimal) bool {
	if limit == nil {
		return true
	}
	if side == domain.OrderSideBuy {
		return !price.GreaterThan(*limit)
	}
	return !price.LessThan(*limit)
}

// checkResting validates a resting order before it is allowed to trade.
func (b *book) checkResting(r *resting, lvl *level, side domain.OrderSide) error {
	switch {
	case !r.remaining.IsPositive():
		return fmt.Errorf("order %s has non-positive remaining %s", r.order.ID, r.remaining)
	case r.remaining.GreaterThan(r.order.Amount):
		return fmt.Errorf("order %s remaining %s exceeds amount %s", r.order.ID, r.remaining, r.order.Amount)
	case !r.price.Equal(lvl.price):
		return fmt.Errorf("order %s price %s filed under level %s", r.order.ID, r.price, lvl.price)
	case r.order.Side != side:
		return fmt.Errorf("order %s on %s side filed under %s", r.order.ID, r.order.Side, side)
	case r.order.Pair != b.pair:
		return fmt.Errorf("order %s for pair %s filed under %s", r.order.ID, r.order.Pair, b.pair)
	}
	return nil
}

// plan walks the opposite side in price-time order without mutating it.
func (b *book) plan(o domain.Order, amount decimal.Decimal, limit *decimal.Decimal, policy SelfTradePolicy) (plan, error) {
	var p plan
	p.filled = decimal.Zero
	opp := o.Side.Opposite()
	var walkErr error

	b.side(opp).Scan(func(lvl *level) bool {
		if !crosses(o.Side, limit, lvl.price) {
			return false
		}
		for _, r := range lvl.orders {
			if !p.filled.LessThan(amount) {
				return false
			}
			if err := b.checkResting(r, lvl, opp); err != nil {
				walkErr = err
				return false
			}
			if o.UserID != "" && r.order.UserID == o.UserID {
				switch policy {
				case SelfTradeCancelResting:
					p.cancelResting = append(p.cancelResting, r)
					continue
				case SelfTradeCancelIncoming:
					p.cancelIncoming = true
					return false
				default:
					continue
				}
			}
			take := decimal.Min(r.remaining, amount.Sub(p.filled))
			p.steps = append(p.steps, step{maker: r, amount: take})
			p.filled = p.filled.Add(take)
		}
		return p.filled.LessThan(amount)
	})
	if walkErr != nil {
		return plan{}, fmt.Errorf("%w: pair %s: %v", domain.ErrInvariantViolation, b.pair, walkErr)
	}
	return p, nil
}

// commit applies a plan and returns the trades it produced.
func (b *book) commit(o domain.Order, p plan, now time.Time, newID func() string) ([]trade, error) {
	opp := o.Side.Opposite()
	tree := b.side(opp)

	removed := decimal.Zero
	trades := make([]trade, 0, len(p.steps))
	for _, s := range p.steps {
		s.maker.remaining = s.maker.remaining.Sub(s.amount)
		removed = removed.Add(s.amount)
		trades = append(trades, trade{
			id:     newID(),
			maker:  s.maker.order,
			price:  s.maker.price,
			amount: s.amount,
			at:     now,
		})
		b.last = s.maker.price
		b.trades = append(b.trades, tradeMark{at: now, amount: s.amount})
		if s.maker.remaining.IsZero() {
			b.remove(tree, s.maker)
		}
	}
	for _, r := range p.cancelResting {
		b.remove(tree, r)
	}

	if !removed.Equal(p.filled) {
		// Unreachable unless the plan was built from a different book state.
		return nil, fmt.Errorf("%w: pair %s: removed %s but credited %s",
			domain.ErrInvariantViolation, b.pair, removed, p.filled)
	}
	return trades, nil
}

// remove unlinks r from its level and the index.
func (b *book) remove(tree *btree.BTreeG[*level], r *resting) {
	lvl, ok := tree.Get(&level{price: r.price})
	if !ok {
		delete(b.index, r.order.ID)
		return
	}
	b.removeFrom(tree, lvl, r)
}

func (b *book) removeFrom(tree *btree.BTreeG[*level], lvl *level, r *resting) {
	delete(b.index, r.order.ID)
	for i, cand := range lvl.orders {
		if cand == r {
			lvl.orders = append(lvl.orders[:i:i], lvl.orders[i+1:]...)
			break
		}
	}
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
}

// rest files a limit remainder at the back of its price level.
func (b *book) rest(o domain.Order, price, remaining decimal.Decimal) {
	r := &resting{order: o, price: price, remaining: remaining, seq: b.seq}
	tree := b.side(o.Side)
	lvl, ok := tree.Get(&level{price: price})
	if !ok {
		lvl = &level{price: price}
		tree.Set(lvl)
	}
	lvl.orders = append(lvl.orders, r)
	b.index[o.ID] = r
}

func (b *book) park(o domain.Order, trigger decimal.Decimal) {
	r := &resting{order: o, price: trigger, remaining: o.Amount, seq: b.seq}
	b.stops = append(b.stops, r)
	b.index[o.ID] = r
}

// triggered pops the earliest parked stop whose trigger the last price has
// crossed.
func (b *book) triggered() (*resting, bool) {
	if b.last.IsZero() {
		return nil, false
	}
	for i, r := range b.stops {
		fire := (r.order.Side == domain.OrderSideBuy && !b.last.LessThan(r.price)) ||
			(r.order.Side == domain.OrderSideSell && !b.last.GreaterThan(r.price))
		if fire {
			b.stops = append(b.stops[:i:i], b.stops[i+1:]...)
			delete(b.index, r.order.ID)
			return r, true
		}
	}
	return nil, false
}

func (b *book) unpark(id string) (*resting, bool) {
	for i, r := range b.stops {
		if r.order.ID == id {
			b.stops = append(b.stops[:i:i], b.stops[i+1:]...)
			delete(b.index, id)
			return r, true
		}
	}
	return nil, false
}

// publish rebuilds the reader view. Callers hold mu, except newBook.
func (b *book) publish(now time.Time) {
	cut := now.Add(-volumeWindow)
	i := 0
	for i < len(b.trades) && b.trades[i].at.Before(cut) {
		i++
	}
	// Reslice only: published views keep reading the old prefix.
	b.trades = b.trades[i:]

	v := &view{
		depth: Depth{
			Pair:   b.pair,
			Bids:   snapshotSide(b.bids),
			Asks:   snapshotSide(b.asks),
			Seq:    b.seq,
			At:     now,
			Paused: b.paused.Load(),
		},
		lastPrice: b.last,
		hasLast:   !b.last.IsZero(),
		trades:    b.trades[:len(b.trades):len(b.trades)],
		reason:    b.reason,
	}
	b.published.Store(v)
}

func snapshotSide(tree *btree.BTreeG[*level]) []Level {
	out := make([]Level, 0, min(tree.Len(), maxSnapshotLevels))
	tree.Scan(func(lvl *level) bool {
		total := decimal.Zero
		for _, r := range lvl.orders {
			total = total.Add(r.remaining)
		}
		out = append(out, Level{Price: lvl.price, Amount: total, Orders: len(lvl.orders)})
		return len(out) < maxSnapshotLevels
	})
	return out
}

// sweep drops resting orders that fail checkResting. Used on resume.
func (b *book) sweep() []string {
	var dropped []string
	for _, s := range []domain.OrderSide{domain.OrderSideBuy, domain.OrderSideSell} {
		tree := b.side(s)
		type entry struct {
			lvl *level
			r   *resting
		}
		var bad []entry
		tree.Scan(func(lvl *level) bool {
			for _, r := range lvl.orders {
				if b.checkResting(r, lvl, s) != nil {
					bad = append(bad, entry{lvl, r})
				}
			}
			return true
		})
		for _, e := range bad {
			b.removeFrom(tree, e.lvl, e.r)
			dropped = append(dropped, e.r.order.ID)
		}
	}
	return dropped
}
