package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// multipartThreshold is the archive file size above which uploads switch to
// the multipart manager.
const multipartThreshold = 4 * minPartSize

// OrderArchiveStore is the slice of the order store the archiver needs.
type OrderArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.OrderRecord, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// SettlementArchiveStore is the slice of the settlement store the archiver
// needs.
type SettlementArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.SettlementRequest, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// Archiver implements domain.Archiver. Terminal rows older than the cutoff
// are appended as JSONL to archive/<kind>/YYYY-MM.jsonl, keyed by the month
// each row was last updated, then deleted from the database. Rows are only
// deleted after every upload for the batch succeeded.
type Archiver struct {
	writer      domain.BlobWriter
	reader      domain.BlobReader
	orders      OrderArchiveStore
	settlements SettlementArchiveStore
	audit       domain.AuditStore
	logger      *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. reader may be nil, in which case month
// files are overwritten rather than extended.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	orders OrderArchiveStore,
	settlements SettlementArchiveStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:      writer,
		reader:      reader,
		orders:      orders,
		settlements: settlements,
		audit:       audit,
		logger:      logger.With(slog.String("component", "archiver")),
	}
}

type orderLine struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	Pair            string           `json:"pair"`
	Side            string           `json:"side"`
	Type            string           `json:"type"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	StopPrice       *decimal.Decimal `json:"stopPrice,omitempty"`
	Amount          decimal.Decimal  `json:"amount"`
	Priority        string           `json:"priority"`
	Status          string           `json:"status"`
	FilledAmount    decimal.Decimal  `json:"filledAmount"`
	AveragePrice    decimal.Decimal  `json:"averagePrice"`
	Venue           string           `json:"venue,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	SecurityWarning bool             `json:"securityWarning,omitempty"`
	SettlementID    string           `json:"settlementId,omitempty"`
	SubmittedAt     time.Time        `json:"submittedAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

func toOrderLine(r domain.OrderRecord) orderLine {
	l := orderLine{
		ID:              r.Order.ID,
		UserID:          r.Order.UserID,
		Pair:            r.Order.Pair,
		Side:            string(r.Order.Side),
		Type:            string(r.Order.Kind()),
		Amount:          r.Order.Amount,
		Priority:        string(r.Order.Priority),
		Status:          string(r.State.Status),
		FilledAmount:    r.State.FilledAmount,
		AveragePrice:    r.State.AveragePrice(),
		Venue:           string(r.State.Venue),
		Reason:          r.State.Reason,
		SecurityWarning: r.State.SecurityWarning,
		SettlementID:    r.State.SettlementID,
		SubmittedAt:     r.Order.SubmittedAt,
		UpdatedAt:       r.State.UpdatedAt,
	}
	if p, ok := r.Order.LimitPrice(); ok {
		l.Price = &p
	}
	if p, ok := r.Order.StopTrigger(); ok {
		l.StopPrice = &p
	}
	return l
}

type settlementLine struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"orderId"`
	Pair           string          `json:"pair"`
	Venue          string          `json:"venue"`
	Status         string          `json:"status"`
	ExpectedAmount decimal.Decimal `json:"expectedAmount"`
	ExpectedPrice  decimal.Decimal `json:"expectedPrice"`
	Attempts       int             `json:"attempts"`
	TxHash         string          `json:"txHash,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ConfirmedAt    *time.Time      `json:"confirmedAt,omitempty"`
}

func toSettlementLine(r domain.SettlementRequest) settlementLine {
	return settlementLine{
		ID:             r.ID,
		OrderID:        r.OrderID,
		Pair:           r.Pair,
		Venue:          string(r.Venue),
		Status:         string(r.Status),
		ExpectedAmount: r.ExpectedAmount,
		ExpectedPrice:  r.ExpectedPrice,
		Attempts:       r.Attempts,
		TxHash:         r.TxHash,
		Reason:         r.Reason,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ConfirmedAt:    r.ConfirmedAt,
	}
}

// ArchiveOrders archives and purges terminal orders (with their fills)
// last updated before the cutoff.
func (a *Archiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.orders.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(recs))
	lines := make([]orderLine, len(recs))
	months := make([]time.Time, len(recs))
	for i, r := range recs {
		ids[i] = r.Order.ID
		lines[i] = toOrderLine(r)
		months[i] = r.State.UpdatedAt
	}
	return archive(ctx, a, "orders", before, ids, lines, months, a.orders.DeleteByIDs)
}

// ArchiveSettlements archives and purges released settlements last updated
// before the cutoff.
func (a *Archiver) ArchiveSettlements(ctx context.Context, before time.Time) (int64, error) {
	reqs, err := a.settlements.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements query: %w", err)
	}
	if len(reqs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(reqs))
	lines := make([]settlementLine, len(reqs))
	months := make([]time.Time, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
		lines[i] = toSettlementLine(r)
		months[i] = r.UpdatedAt
	}
	return archive(ctx, a, "settlements", before, ids, lines, months, a.settlements.DeleteByIDs)
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, ids []string, lines []T, months []time.Time, purge func(context.Context, []string) (int64, error)) (int64, error) {
	byPath := make(map[string][]T)
	for i, l := range lines {
		p := archivePath(kind, months[i])
		byPath[p] = append(byPath[p], l)
	}
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		buf, err := a.existing(ctx, p)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if err := appendJSONL(buf, byPath[p]); err != nil {
			return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
		}
		if buf.Len() > multipartThreshold {
			err = a.writer.PutMultipart(ctx, p, bytes.NewReader(buf.Bytes()), minPartSize)
		} else {
			err = a.writer.Put(ctx, p, bytes.NewReader(buf.Bytes()), "application/x-ndjson")
		}
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
		}
	}

	deleted, err := purge(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s purge: %w", kind, err)
	}
	count := int64(len(ids))
	a.logger.Info("records archived",
		slog.String("kind", kind),
		slog.Int64("count", count),
		slog.Int64("deleted", deleted),
		slog.Any("paths", paths),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"paths":  paths,
			"count":  count,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// existing returns the current contents of path, empty when absent.
func (a *Archiver) existing(ctx context.Context, path string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if a.reader == nil {
		return &buf, nil
	}
	rc, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return &buf, nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if n := buf.Len(); n > 0 && buf.Bytes()[n-1] != '\n' {
		buf.WriteByte('\n')
	}
	return &buf, nil
}

// archivePath builds the object key, partitioned by year-month:
//
//	archive/orders/2026-01.jsonl
//	archive/settlements/2026-01.jsonl
func archivePath(kind string, at time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, at.UTC().Format("2006-01"))
}

// appendJSONL writes one compact JSON document per line.
func appendJSONL[T any](buf *bytes.Buffer, records []T) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return nil
}
