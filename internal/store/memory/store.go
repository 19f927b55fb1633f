// Package memory holds in-process implementations of the persistence
// interfaces. Paper mode runs on them when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// Orders implements domain.OrderStore.
type Orders struct {
	mu   sync.RWMutex
	recs map[string]domain.OrderRecord
}

// NewOrders creates an empty order store.
func NewOrders() *Orders {
	return &Orders{recs: make(map[string]domain.OrderRecord)}
}

func (s *Orders) Create(_ context.Context, rec domain.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.Order.ID]; ok {
		return fmt.Errorf("memory: create order %s: %w", rec.Order.ID, domain.ErrAlreadyExists)
	}
	s.recs[rec.Order.ID] = rec
	return nil
}

func (s *Orders) UpdateState(_ context.Context, id string, state domain.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return fmt.Errorf("memory: update order %s: %w", id, domain.ErrNotFound)
	}
	if state.UpdatedAt.Before(rec.State.UpdatedAt) {
		return nil
	}
	rec.State = state
	s.recs[id] = rec
	return nil
}

func (s *Orders) GetByID(_ context.Context, id string) (domain.OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return domain.OrderRecord{}, fmt.Errorf("memory: get order %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *Orders) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.OrderRecord, error) {
	s.mu.RLock()
	var out []domain.OrderRecord
	for _, rec := range s.recs {
		if rec.Order.UserID != userID || !inRange(rec.Order.SubmittedAt, opts) {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Order.SubmittedAt.After(out[j].Order.SubmittedAt)
	})
	return page(out, opts), nil
}

var _ domain.OrderStore = (*Orders)(nil)

// Fills implements domain.FillStore.
type Fills struct {
	mu      sync.RWMutex
	byID    map[string]struct{}
	byOrder map[string][]domain.Fill
}

// NewFills creates an empty fill store.
func NewFills() *Fills {
	return &Fills{byID: make(map[string]struct{}), byOrder: make(map[string][]domain.Fill)}
}

func (s *Fills) InsertBatch(_ context.Context, fills []domain.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fills {
		if _, ok := s.byID[f.ID]; ok {
			continue
		}
		s.byID[f.ID] = struct{}{}
		s.byOrder[f.OrderID] = append(s.byOrder[f.OrderID], f)
	}
	return nil
}

func (s *Fills) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok, nil
}

func (s *Fills) ListByOrder(_ context.Context, orderID string) ([]domain.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Fill(nil), s.byOrder[orderID]...), nil
}

var _ domain.FillStore = (*Fills)(nil)

// Settlements implements domain.SettlementStore.
type Settlements struct {
	mu      sync.RWMutex
	byID    map[string]domain.SettlementRequest
	byOrder map[string]string
}

// NewSettlements creates an empty settlement store.
func NewSettlements() *Settlements {
	return &Settlements{
		byID:    make(map[string]domain.SettlementRequest),
		byOrder: make(map[string]string),
	}
}

// Upsert keeps the newer of the stored and incoming versions.
func (s *Settlements) Upsert(_ context.Context, req domain.SettlementRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byID[req.ID]; ok && req.UpdatedAt.Before(cur.UpdatedAt) {
		return nil
	}
	s.byID[req.ID] = req
	s.byOrder[req.OrderID] = req.ID
	return nil
}

func (s *Settlements) GetByOrderID(_ context.Context, orderID string) (domain.SettlementRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return domain.SettlementRequest{}, fmt.Errorf("memory: settlement for %s: %w", orderID, domain.ErrNotFound)
	}
	return s.byID[id], nil
}

func (s *Settlements) ListPending(_ context.Context) ([]domain.SettlementRequest, error) {
	s.mu.RLock()
	var out []domain.SettlementRequest
	for _, req := range s.byID {
		if !req.Status.Terminal() {
			out = append(out, req)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ domain.SettlementStore = (*Settlements)(nil)

// Audit implements domain.AuditStore.
type Audit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAudit creates an empty audit log.
func NewAudit() *Audit {
	return &Audit{now: time.Now}
}

func (s *Audit) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: s.now(),
	})
	return nil
}

// List returns entries newest first.
func (s *Audit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if inRange(s.entries[i].CreatedAt, opts) {
			out = append(out, s.entries[i])
		}
	}
	s.mu.Unlock()
	return page(out, opts), nil
}

var _ domain.AuditStore = (*Audit)(nil)

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
