package settlement

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// LedgerSource finalizes orderbook fills by writing them to a fill store.
// The fill ID doubles as the transaction reference.
type LedgerSource struct {
	fills domain.FillStore
}

// NewLedgerSource creates a LedgerSource.
func NewLedgerSource(fills domain.FillStore) *LedgerSource {
	return &LedgerSource{fills: fills}
}

// LedgerRef is the transaction reference recorded for a fill.
func LedgerRef(fillID string) string { return "ledger:" + fillID }

// Submit writes the request's fill. Rewriting an existing fill is a no-op.
func (l *LedgerSource) Submit(ctx context.Context, req domain.SettlementRequest) (string, error) {
	if req.Fill == nil {
		return "", fmt.Errorf("settlement: ledger %s: no fill: %w", req.ID, domain.ErrMalformedOrder)
	}
	if err := l.fills.InsertBatch(ctx, []domain.Fill{*req.Fill}); err != nil {
		return "", fmt.Errorf("settlement: ledger %s: %w", req.ID, err)
	}
	return LedgerRef(req.Fill.ID), nil
}

// Status confirms once the fill is readable.
func (l *LedgerSource) Status(ctx context.Context, req domain.SettlementRequest) (domain.Confirmation, error) {
	c := domain.Confirmation{TxHash: req.TxHash, Status: domain.ConfirmationPending}
	if req.Fill == nil {
		return c, fmt.Errorf("settlement: ledger %s: no fill: %w", req.ID, domain.ErrMalformedOrder)
	}
	ok, err := l.fills.Exists(ctx, req.Fill.ID)
	if err != nil {
		return c, fmt.Errorf("settlement: ledger %s: %w", req.ID, err)
	}
	if ok {
		c.Status = domain.ConfirmationConfirmed
	}
	return c, nil
}
