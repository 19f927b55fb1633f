package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderRecord pairs an order with its latest state for persistence.
type OrderRecord struct {
	Order Order
	State OrderState
}

// OrderStore persists orders together with their latest state.
type OrderStore interface {
	Create(ctx context.Context, rec OrderRecord) error
	UpdateState(ctx context.Context, id string, state OrderState) error
	GetByID(ctx context.Context, id string) (OrderRecord, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]OrderRecord, error)
}

// FillStore persists fills. InsertBatch ignores fills that already exist.
type FillStore interface {
	InsertBatch(ctx context.Context, fills []Fill) error
	Exists(ctx context.Context, id string) (bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]Fill, error)
}

// SettlementStore persists settlement requests. Upsert is keyed by ID.
type SettlementStore interface {
	Upsert(ctx context.Context, req SettlementRequest) error
	GetByOrderID(ctx context.Context, orderID string) (SettlementRequest, error)
	ListPending(ctx context.Context) ([]SettlementRequest, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
