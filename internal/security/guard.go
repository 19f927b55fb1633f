// Package security gates orders before routing: per-identity rate windows,
// front-run and sandwich heuristics, and the pool price-impact breaker.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

const (
	shortWindow = time.Second
	longWindow  = time.Minute

	riskPerThrottle = 10.0
	riskPerPattern  = 25.0
)

// Verdict is the guard's answer for one order.
type Verdict int

const (
	Allow Verdict = iota
	Throttle
	Block
)

func (v Verdict) String() string {
	switch v {
	case Throttle:
		return "throttle"
	case Block:
		return "block"
	default:
		return "allow"
	}
}

// Pattern names a detected MEV shape.
type Pattern string

const (
	PatternNone     Pattern = ""
	PatternFrontRun Pattern = "front_run"
	PatternSandwich Pattern = "sandwich"
)

// Decision is the outcome of Authorize.
type Decision struct {
	Verdict    Verdict
	RetryAfter time.Duration
	Reason     string

	SecurityWarning      bool
	Pattern              Pattern
	RelatedOrderIDs      []string
	RequiresConfirmation bool

	// Flagged identities get tighter routing and impact limits.
	Flagged   bool
	RiskScore float64

	FailOpen bool
}

// Err converts a non-allow decision into the matching domain error.
func (d Decision) Err() error {
	switch {
	case d.Verdict == Block:
		return &domain.SecurityError{Err: domain.ErrBlocked, RetryAfter: d.RetryAfter}
	case d.Verdict == Throttle:
		return &domain.SecurityError{Err: domain.ErrThrottled, RetryAfter: d.RetryAfter}
	case d.RequiresConfirmation:
		return &domain.SecurityError{Err: domain.ErrConfirmationRequired}
	}
	return nil
}

// ImpactPolicy selects what the breaker does with an oversized order.
type ImpactPolicy string

const (
	ImpactReject   ImpactPolicy = "reject"
	ImpactDownsize ImpactPolicy = "downsize"
)

// Config holds the guard's thresholds. It can be swapped at runtime.
type Config struct {
	PerSecondLimit       int
	PerMinuteLimit       int
	MaxNotionalPerMinute decimal.Decimal
	BlockAfterViolations int
	BlockDuration        time.Duration

	MEVWindow           time.Duration
	LargeOrderNotional  decimal.Decimal
	ComparableSizeRatio decimal.Decimal
	RequireConfirmation bool

	MaxPriceImpact      decimal.Decimal
	FlaggedImpactFactor decimal.Decimal
	ImpactPolicy        ImpactPolicy

	DecisionBudget time.Duration
	RiskHalfLife   time.Duration
	FlagThreshold  float64

	DistributedRateLimit   bool
	DistributedPerSecondIP int
}

type event struct {
	at       time.Time
	notional decimal.Decimal
}

// profile is the per-identity state. Guarded by its shard's mutex.
type profile struct {
	events       []event
	violations   []time.Time
	blockedUntil time.Time
	risk         float64
	riskAt       time.Time
	lastSeen     time.Time
}

type shard struct {
	mu       sync.Mutex
	profiles map[string]*profile
}

// Guard authorizes orders. Safe for concurrent use.
type Guard struct {
	cfg     atomic.Pointer[Config]
	shards  []*shard
	mev     *mevTracker
	limiter domain.RateLimiter
	now     func() time.Time
	logger  *slog.Logger

	failOpens atomic.Int64
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithDistributedLimiter enforces the per-IP limit across replicas.
func WithDistributedLimiter(l domain.RateLimiter) Option {
	return func(g *Guard) { g.limiter = l }
}

// New creates a Guard with the given number of lock shards.
func New(cfg Config, shards int, logger *slog.Logger, opts ...Option) *Guard {
	if shards <= 0 {
		shards = 1
	}
	g := &Guard{
		shards: make([]*shard, shards),
		mev:    newMEVTracker(),
		now:    time.Now,
		logger: logger.With(slog.String("component", "security_guard")),
	}
	for i := range g.shards {
		g.shards[i] = &shard{profiles: make(map[string]*profile)}
	}
	g.cfg.Store(&cfg)
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetConfig swaps thresholds. Existing windows are kept.
func (g *Guard) SetConfig(cfg Config) { g.cfg.Store(&cfg) }

// Config returns the active thresholds.
func (g *Guard) Config() Config { return *g.cfg.Load() }

// FailOpens is the number of decisions that fell back to Allow.
func (g *Guard) FailOpens() int64 { return g.failOpens.Load() }

func identityKeys(id domain.Identity) []string {
	keys := make([]string, 0, 2)
	if id.UserID != "" {
		keys = append(keys, "user:"+id.UserID)
	}
	if id.SourceIP != "" {
		keys = append(keys, "ip:"+id.SourceIP)
	}
	return keys
}

func (g *Guard) shardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(g.shards)))
}

// Authorize decides whether o, worth notional in quote terms, may proceed.
// It never takes longer than the decision budget; anything that would is
// allowed with FailOpen set.
func (g *Guard) Authorize(ctx context.Context, o domain.Order, notional decimal.Decimal, id domain.Identity) (d Decision) {
	cfg := g.cfg.Load()
	now := g.now()
	deadline := time.Now().Add(cfg.DecisionBudget)

	defer func() {
		if r := recover(); r != nil {
			d = g.failOpen(o, fmt.Sprintf("panic: %v", r))
		}
	}()

	keys := identityKeys(id)
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := g.shardFor(k)
		if len(idx) == 0 || idx[len(idx)-1] != i {
			idx = append(idx, i)
		}
	}
	if len(idx) == 2 && idx[0] > idx[1] {
		idx[0], idx[1] = idx[1], idx[0]
	}

	if cfg.DistributedRateLimit && g.limiter != nil && id.SourceIP != "" {
		if dd, ok := g.checkDistributed(ctx, cfg, id.SourceIP, deadline); ok {
			return dd
		}
	}

	locked := make([]*shard, 0, len(idx))
	unlockAll := func() {
		for _, s := range locked {
			s.mu.Unlock()
		}
		locked = locked[:0]
	}
	defer unlockAll()
	for _, i := range idx {
		s := g.shards[i]
		if !tryLockUntil(&s.mu, deadline) {
			unlockAll()
			return g.failOpen(o, "shard lock budget exceeded")
		}
		locked = append(locked, s)
	}

	profiles := make([]*profile, len(keys))
	for i, k := range keys {
		s := g.shards[g.shardFor(k)]
		p, ok := s.profiles[k]
		if !ok {
			p = &profile{}
			s.profiles[k] = p
		}
		p.lastSeen = now
		profiles[i] = p
	}

	d = Decision{Verdict: Allow}
	for _, p := range profiles {
		worst(&d, p.evaluate(cfg, now, notional))
	}
	if d.Verdict != Allow {
		for _, p := range profiles {
			p.recordViolation(cfg, now, d.Verdict)
		}
		// Escalation may have turned a throttle into a block.
		for _, p := range profiles {
			if p.blockedUntil.After(now) && d.Verdict == Throttle {
				d.Verdict = Block
				d.RetryAfter = p.blockedUntil.Sub(now)
				d.Reason = "too many violations"
			}
		}
	} else {
		for _, p := range profiles {
			p.record(now, notional)
		}
	}
	unlockAll()

	if d.Verdict == Allow {
		g.checkMEV(cfg, o, notional, id, now, deadline, &d)
	}

	if d.SecurityWarning {
		g.bumpRisk(keys, cfg, now, riskPerPattern, deadline)
	}
	d.RiskScore = g.riskOf(keys, cfg, now, deadline)
	d.Flagged = cfg.FlagThreshold > 0 && d.RiskScore >= cfg.FlagThreshold
	return d
}

func (g *Guard) failOpen(o domain.Order, reason string) Decision {
	g.failOpens.Add(1)
	g.logger.Warn("guard failing open",
		slog.String("order_id", o.ID),
		slog.String("reason", reason),
	)
	return Decision{Verdict: Allow, FailOpen: true, Reason: reason}
}

func (g *Guard) checkDistributed(ctx context.Context, cfg *Config, ip string, deadline time.Time) (Decision, bool) {
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	ok, err := g.limiter.Allow(cctx, "rl:ip:"+ip, cfg.DistributedPerSecondIP, shortWindow)
	if err != nil {
		g.failOpens.Add(1)
		g.logger.Warn("distributed limiter unavailable, allowing",
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
		return Decision{}, false
	}
	if ok {
		return Decision{}, false
	}
	return Decision{Verdict: Throttle, RetryAfter: shortWindow, Reason: "ip rate limit"}, true
}

// worst folds b into a, keeping the more severe verdict and the longer wait.
func worst(a *Decision, b Decision) {
	if b.Verdict > a.Verdict {
		a.Verdict = b.Verdict
		a.Reason = b.Reason
	}
	if b.Verdict != Allow && b.RetryAfter > a.RetryAfter {
		a.RetryAfter = b.RetryAfter
	}
}

func (p *profile) prune(now time.Time) {
	cut := now.Add(-longWindow)
	i := 0
	for i < len(p.events) && !p.events[i].at.After(cut) {
		i++
	}
	p.events = p.events[i:]
	j := 0
	for j < len(p.violations) && !p.violations[j].After(cut) {
		j++
	}
	p.violations = p.violations[j:]
}

// evaluate checks whether one more order fits the windows.
func (p *profile) evaluate(cfg *Config, now time.Time, notional decimal.Decimal) Decision {
	if now.Before(p.blockedUntil) {
		return Decision{Verdict: Block, RetryAfter: p.blockedUntil.Sub(now), Reason: "identity blocked"}
	}
	p.prune(now)

	shortCut := now.Add(-shortWindow)
	inShort := 0
	for i := len(p.events) - 1; i >= 0 && p.events[i].at.After(shortCut); i-- {
		inShort++
	}
	if cfg.PerSecondLimit > 0 && inShort >= cfg.PerSecondLimit {
		// A slot frees when the oldest of the last limit events ages out.
		at := p.events[len(p.events)-cfg.PerSecondLimit].at
		return Decision{Verdict: Throttle, RetryAfter: waitUntil(at.Add(shortWindow), now), Reason: "order rate per second"}
	}
	if cfg.PerMinuteLimit > 0 && len(p.events) >= cfg.PerMinuteLimit {
		at := p.events[len(p.events)-cfg.PerMinuteLimit].at
		return Decision{Verdict: Throttle, RetryAfter: waitUntil(at.Add(longWindow), now), Reason: "order rate per minute"}
	}
	if cfg.MaxNotionalPerMinute.IsPositive() {
		total := notional
		for _, e := range p.events {
			total = total.Add(e.notional)
		}
		if total.GreaterThan(cfg.MaxNotionalPerMinute) {
			// Wait until enough notional has aged out.
			excess := total.Sub(cfg.MaxNotionalPerMinute)
			freed := decimal.Zero
			at := now
			for _, e := range p.events {
				freed = freed.Add(e.notional)
				at = e.at
				if !freed.LessThan(excess) {
					break
				}
			}
			return Decision{Verdict: Throttle, RetryAfter: waitUntil(at.Add(longWindow), now), Reason: "notional per minute"}
		}
	}
	return Decision{Verdict: Allow}
}

func waitUntil(t, now time.Time) time.Duration {
	d := t.Sub(now)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

func (p *profile) record(now time.Time, notional decimal.Decimal) {
	p.events = append(p.events, event{at: now, notional: notional})
}

func (p *profile) recordViolation(cfg *Config, now time.Time, v Verdict) {
	if v != Throttle {
		return
	}
	p.violations = append(p.violations, now)
	p.addRisk(cfg, now, riskPerThrottle)
	if cfg.BlockAfterViolations > 0 && len(p.violations) >= cfg.BlockAfterViolations {
		p.blockedUntil = now.Add(cfg.BlockDuration)
		p.violations = p.violations[:0]
	}
}

func (p *profile) decayedRisk(cfg *Config, now time.Time) float64 {
	if p.risk == 0 || cfg.RiskHalfLife <= 0 {
		return p.risk
	}
	elapsed := now.Sub(p.riskAt)
	if elapsed <= 0 {
		return p.risk
	}
	return p.risk * math.Pow(0.5, float64(elapsed)/float64(cfg.RiskHalfLife))
}

func (p *profile) addRisk(cfg *Config, now time.Time, delta float64) {
	p.risk = p.decayedRisk(cfg, now) + delta
	p.riskAt = now
}

func (g *Guard) bumpRisk(keys []string, cfg *Config, now time.Time, delta float64, deadline time.Time) {
	for _, k := range keys {
		s := g.shards[g.shardFor(k)]
		if !tryLockUntil(&s.mu, deadline) {
			continue
		}
		if p, ok := s.profiles[k]; ok {
			p.addRisk(cfg, now, delta)
		}
		s.mu.Unlock()
	}
}

func (g *Guard) riskOf(keys []string, cfg *Config, now time.Time, deadline time.Time) float64 {
	var risk float64
	for _, k := range keys {
		s := g.shards[g.shardFor(k)]
		if !tryLockUntil(&s.mu, deadline) {
			continue
		}
		if p, ok := s.profiles[k]; ok {
			risk = max(risk, p.decayedRisk(cfg, now))
		}
		s.mu.Unlock()
	}
	return risk
}

// Flagged reports whether id currently scores above the flag threshold.
func (g *Guard) Flagged(id domain.Identity) bool {
	cfg := g.cfg.Load()
	if cfg.FlagThreshold <= 0 {
		return false
	}
	deadline := time.Now().Add(cfg.DecisionBudget)
	return g.riskOf(identityKeys(id), cfg, g.now(), deadline) >= cfg.FlagThreshold
}

// Sweep forgets identities idle for longer than the long window whose risk
// has decayed below one point and who are not blocked.
func (g *Guard) Sweep() int {
	cfg := g.cfg.Load()
	now := g.now()
	removed := 0
	for _, s := range g.shards {
		s.mu.Lock()
		for k, p := range s.profiles {
			if now.Sub(p.lastSeen) > longWindow && !now.Before(p.blockedUntil) && p.decayedRisk(cfg, now) < 1 {
				delete(s.profiles, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	removed += g.mev.sweep(now, cfg.MEVWindow)
	return removed
}

// tryLockUntil spins on TryLock until deadline.
func tryLockUntil(mu *sync.Mutex, deadline time.Time) bool {
	for {
		if mu.TryLock() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		runtime.Gosched()
	}
}
