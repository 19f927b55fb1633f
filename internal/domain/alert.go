package domain

import (
	"context"
	"time"
)

// Alert kinds.
const (
	AlertThreshold           = "alert"
	AlertPairPaused          = "pair_paused"
	AlertSettlementAbandoned = "settlement_abandoned"
)

// Alert is an operator-facing notification.
type Alert struct {
	Kind      string
	Name      string
	Component string
	Message   string
	Value     float64
	Threshold float64
	At        time.Time
}

// AlertSink delivers alerts to operators.
type AlertSink interface {
	Alert(ctx context.Context, a Alert) error
}
