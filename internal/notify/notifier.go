// Package notify delivers operator alerts from the engine (threshold
// breaches, paused pairs, abandoned settlements) to chat channels. Alerts are
// filtered by kind and repeated alerts are suppressed for a cooldown.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// DefaultCooldown is how long an identical alert is held back after it was
// delivered.
const DefaultCooldown = 5 * time.Minute

// Message is an alert rendered for delivery.
type Message struct {
	Kind      string
	Title     string
	Text      string
	Component string
	Value     float64
	Threshold float64
	Critical  bool
	At        time.Time
}

// Sender delivers a Message to one channel.
type Sender interface {
	Send(ctx context.Context, m Message) error
	Name() string
}

// Notifier fans alerts out to its senders. It implements domain.AlertSink.
type Notifier struct {
	senders  []Sender
	kinds    map[string]bool
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithCooldown overrides DefaultCooldown. Zero disables suppression.
func WithCooldown(d time.Duration) Option {
	return func(n *Notifier) { n.cooldown = d }
}

// NewNotifier creates a Notifier. Only alerts whose kind is listed in kinds
// are delivered; an empty list lets every kind through.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger, opts ...Option) *Notifier {
	allowed := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		allowed[strings.TrimSpace(k)] = true
	}
	n := &Notifier{
		senders:  senders,
		kinds:    allowed,
		cooldown: DefaultCooldown,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "notifier")),
		last:     make(map[string]time.Time),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Alert delivers a to every sender unless its kind is filtered or the same
// alert went out within the cooldown. A failing sender does not stop the
// others; all failures are joined into the returned error.
func (n *Notifier) Alert(ctx context.Context, a domain.Alert) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.kinds) > 0 && !n.kinds[a.Kind] {
		return nil
	}
	if n.suppressed(a) {
		n.logger.DebugContext(ctx, "alert suppressed",
			slog.String("kind", a.Kind),
			slog.String("name", a.Name),
		)
		return nil
	}

	m := render(a, n.now())
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, m); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) suppressed(a domain.Alert) bool {
	if n.cooldown <= 0 {
		return false
	}
	key := a.Kind + "/" + a.Name
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.last[key]; ok && now.Sub(t) < n.cooldown {
		return true
	}
	n.last[key] = now
	return false
}

func render(a domain.Alert, now time.Time) Message {
	at := a.At
	if at.IsZero() {
		at = now
	}
	m := Message{
		Kind:      a.Kind,
		Text:      a.Message,
		Component: a.Component,
		Value:     a.Value,
		Threshold: a.Threshold,
		At:        at,
	}
	switch a.Kind {
	case domain.AlertPairPaused:
		m.Title = "Pair paused: " + a.Name
		m.Critical = true
	case domain.AlertSettlementAbandoned:
		m.Title = "Settlement abandoned: " + a.Name
		m.Critical = true
	default:
		m.Title = "Alert " + a.Name
		if a.Component != "" {
			m.Title += " (" + a.Component + ")"
		}
	}
	return m
}

var _ domain.AlertSink = (*Notifier)(nil)
