// Package metrics aggregates engine events into rolling one-second buckets,
// evaluates alert rules against them and mirrors everything into a
// Prometheus registry.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Components that report events.
const (
	ComponentAPI        = "api"
	ComponentValidator  = "validator"
	ComponentGuard      = "guard"
	ComponentRouter     = "router"
	ComponentMatching   = "matching"
	ComponentAMM        = "amm"
	ComponentSettlement = "settlement"
)

// Event is one observation. Zero At means now.
type Event struct {
	Component string
	Latency   time.Duration
	Failed    bool
	// Trades counts executed fills toward TPS.
	Trades int
	// Incident names a security incident, e.g. "throttle" or "front_run".
	Incident string
	At       time.Time
}

// ComponentStats is the rolling view of one component.
type ComponentStats struct {
	Count      int64   `json:"count"`
	Errors     int64   `json:"errors"`
	ErrorRate  float64 `json:"errorRate"`
	AvgLatency float64 `json:"avgLatencyMs"`
}

// Metrics is a point-in-time snapshot.
type Metrics struct {
	Window     time.Duration             `json:"window"`
	TPS        float64                   `json:"tps"`
	Components map[string]ComponentStats `json:"components"`
	QueueDepth int                       `json:"queueDepth"`
	Incidents  map[string]int64          `json:"incidents"`
	Dropped    int64                     `json:"dropped"`
	At         time.Time                 `json:"at"`
}

// Rule is a threshold alert.
type Rule struct {
	Name      string
	Metric    string // tps, latency_ms, error_rate, queue_depth, incidents, dropped
	Component string
	Op        string // ">" or "<"
	Threshold float64
}

// Config tunes aggregation and alerting.
type Config struct {
	Window       time.Duration
	EvalInterval time.Duration
	Cooldown     time.Duration
	Rules        []Rule
}

type compAgg struct {
	count, errors int64
	latency       time.Duration
}

type bucket struct {
	sec       int64
	trades    int64
	comps     map[string]*compAgg
	incidents map[string]int64
}

// Reporter collects events. Record never blocks.
type Reporter struct {
	in      chan Event
	dropped atomic.Int64

	mu      sync.Mutex
	buckets []bucket

	cfg        atomic.Pointer[Config]
	retick     chan struct{}
	queueDepth func() int
	sink       domain.AlertSink
	alertMu    sync.Mutex
	lastFired  map[string]time.Time
	now        func() time.Time
	logger     *slog.Logger

	registry  *prometheus.Registry
	events    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	incidents *prometheus.CounterVec
	trades    prometheus.Counter
	alerts    *prometheus.CounterVec
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithQueueDepth reports the settlement backlog.
func WithQueueDepth(fn func() int) Option {
	return func(r *Reporter) { r.queueDepth = fn }
}

// WithAlertSink delivers rule breaches.
func WithAlertSink(s domain.AlertSink) Option {
	return func(r *Reporter) { r.sink = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithBuffer sets how many events may wait for aggregation.
func WithBuffer(n int) Option {
	return func(r *Reporter) { r.in = make(chan Event, n) }
}

// New creates a Reporter with its own Prometheus registry.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		in:        make(chan Event, 4096),
		retick:    make(chan struct{}, 1),
		lastFired: make(map[string]time.Time),
		now:       time.Now,
		logger:    logger.With(slog.String("component", "metrics")),
		registry:  prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hybrid",
			Name:      "events_total",
			Help:      "Events recorded per component and outcome.",
		}, []string{"component", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hybrid",
			Name:      "latency_seconds",
			Help:      "Operation latency per component.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"component"}),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hybrid",
			Name:      "security_incidents_total",
			Help:      "Security incidents by kind.",
		}, []string{"kind"}),
		trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybrid",
			Name:      "trades_total",
			Help:      "Executed fills.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hybrid",
			Name:      "alerts_fired_total",
			Help:      "Alerts sent per rule.",
		}, []string{"rule"}),
	}
	for _, o := range opts {
		o(r)
	}
	r.setWindow(cfg.Window)
	r.cfg.Store(&cfg)

	r.registry.MustRegister(r.events, r.latency, r.incidents, r.trades, r.alerts,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "hybrid",
			Name:      "metrics_dropped_total",
			Help:      "Events dropped because the reporter was saturated.",
		}, func() float64 { return float64(r.dropped.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "hybrid",
			Name:      "settlement_queue_depth",
			Help:      "Non-terminal settlement requests.",
		}, func() float64 { return float64(r.depth()) }),
	)
	return r
}

func (r *Reporter) setWindow(w time.Duration) {
	n := int(w / time.Second)
	if n < 1 {
		n = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buckets) == n {
		return
	}
	r.buckets = make([]bucket, n)
}

// SetConfig swaps window, rules and evaluation interval. Changing the
// window resets the buckets.
func (r *Reporter) SetConfig(cfg Config) {
	r.setWindow(cfg.Window)
	r.cfg.Store(&cfg)
	select {
	case r.retick <- struct{}{}:
	default:
	}
}

// Registry exposes the Prometheus registry.
func (r *Reporter) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Record queues ev for aggregation, dropping it if the buffer is full.
func (r *Reporter) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	select {
	case r.in <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Run aggregates events and evaluates rules until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) error {
	interval := r.evalInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.in:
			r.apply(ev)
		case <-r.retick:
			if next := r.evalInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-ticker.C:
			r.Evaluate(ctx)
		}
	}
}

func (r *Reporter) evalInterval() time.Duration {
	if d := r.cfg.Load().EvalInterval; d > 0 {
		return d
	}
	return 5 * time.Second
}

func (r *Reporter) apply(ev Event) {
	outcome := "ok"
	if ev.Failed {
		outcome = "error"
	}
	if ev.Component != "" {
		r.events.WithLabelValues(ev.Component, outcome).Inc()
		if ev.Latency > 0 {
			r.latency.WithLabelValues(ev.Component).Observe(ev.Latency.Seconds())
		}
	}
	if ev.Incident != "" {
		r.incidents.WithLabelValues(ev.Incident).Inc()
	}
	if ev.Trades > 0 {
		r.trades.Add(float64(ev.Trades))
	}

	sec := ev.At.Unix()
	r.mu.Lock()
	defer r.mu.Unlock()
	b := &r.buckets[int(sec%int64(len(r.buckets)))]
	if b.sec != sec {
		*b = bucket{sec: sec, comps: make(map[string]*compAgg), incidents: make(map[string]int64)}
	}
	b.trades += int64(ev.Trades)
	if ev.Component != "" {
		c, ok := b.comps[ev.Component]
		if !ok {
			c = &compAgg{}
			b.comps[ev.Component] = c
		}
		c.count++
		c.latency += ev.Latency
		if ev.Failed {
			c.errors++
		}
	}
	if ev.Incident != "" {
		b.incidents[ev.Incident]++
	}
}

func (r *Reporter) depth() int {
	if r.queueDepth == nil {
		return 0
	}
	return r.queueDepth()
}

// Snapshot aggregates the buckets inside the window.
func (r *Reporter) Snapshot() Metrics {
	now := r.now()
	m := Metrics{
		Components: make(map[string]ComponentStats),
		Incidents:  make(map[string]int64),
		QueueDepth: r.depth(),
		Dropped:    r.dropped.Load(),
		At:         now,
	}
	aggs := make(map[string]*compAgg)
	var trades int64

	r.mu.Lock()
	n := int64(len(r.buckets))
	m.Window = time.Duration(n) * time.Second
	oldest := now.Unix() - n + 1
	for _, b := range r.buckets {
		if b.sec < oldest || b.sec > now.Unix() || b.comps == nil {
			continue
		}
		trades += b.trades
		for name, c := range b.comps {
			a, ok := aggs[name]
			if !ok {
				a = &compAgg{}
				aggs[name] = a
			}
			a.count += c.count
			a.errors += c.errors
			a.latency += c.latency
		}
		for k, v := range b.incidents {
			m.Incidents[k] += v
		}
	}
	r.mu.Unlock()

	m.TPS = float64(trades) / float64(n)
	for name, a := range aggs {
		s := ComponentStats{Count: a.count, Errors: a.errors}
		if a.count > 0 {
			s.ErrorRate = float64(a.errors) / float64(a.count)
			s.AvgLatency = float64(a.latency) / float64(a.count) / float64(time.Millisecond)
		}
		m.Components[name] = s
	}
	return m
}

func (m Metrics) value(rule Rule) (float64, bool) {
	switch rule.Metric {
	case "tps":
		return m.TPS, true
	case "queue_depth":
		return float64(m.QueueDepth), true
	case "dropped":
		return float64(m.Dropped), true
	case "incidents":
		var total int64
		for k, v := range m.Incidents {
			if rule.Component == "" || rule.Component == k {
				total += v
			}
		}
		return float64(total), true
	case "latency_ms", "error_rate":
		if rule.Component != "" {
			s, ok := m.Components[rule.Component]
			if !ok {
				return 0, false
			}
			if rule.Metric == "latency_ms" {
				return s.AvgLatency, true
			}
			return s.ErrorRate, true
		}
		var worst float64
		found := false
		for _, s := range m.Components {
			v := s.ErrorRate
			if rule.Metric == "latency_ms" {
				v = s.AvgLatency
			}
			if !found || v > worst {
				worst, found = v, true
			}
		}
		return worst, found
	}
	return 0, false
}

// Evaluate checks every rule once and returns the alerts it sent. A rule
// fires at most once per cooldown.
func (r *Reporter) Evaluate(ctx context.Context) []domain.Alert {
	cfg := r.cfg.Load()
	snap := r.Snapshot()
	r.alertMu.Lock()
	defer r.alertMu.Unlock()
	var fired []domain.Alert
	for _, rule := range cfg.Rules {
		v, ok := snap.value(rule)
		if !ok {
			continue
		}
		breached := (rule.Op == ">" && v > rule.Threshold) || (rule.Op == "<" && v < rule.Threshold)
		if !breached {
			continue
		}
		if last, ok := r.lastFired[rule.Name]; ok && snap.At.Sub(last) < cfg.Cooldown {
			continue
		}
		r.lastFired[rule.Name] = snap.At
		a := domain.Alert{
			Kind:      domain.AlertThreshold,
			Name:      rule.Name,
			Component: rule.Component,
			Message:   fmt.Sprintf("%s %s %g (value %.4g)", rule.Metric, rule.Op, rule.Threshold, v),
			Value:     v,
			Threshold: rule.Threshold,
			At:        snap.At,
		}
		r.alerts.WithLabelValues(rule.Name).Inc()
		fired = append(fired, a)
		r.logger.Warn("alert fired",
			slog.String("rule", rule.Name),
			slog.Float64("value", v),
			slog.Float64("threshold", rule.Threshold),
		)
		if r.sink != nil {
			if err := r.sink.Alert(ctx, a); err != nil {
				r.logger.Error("alert delivery failed",
					slog.String("rule", rule.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].Name < fired[j].Name })
	return fired
}
