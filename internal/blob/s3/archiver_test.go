package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	memstore "github.com/alanyoungcy/hybridengine/internal/store/memory"
)

type memBlobs struct {
	objects map[string]string
	failPut bool
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.failPut {
		return errors.New("bucket gone")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = string(b)
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	s, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(s)), nil
}

type fakeOrders struct {
	recs    []domain.OrderRecord
	deleted []string
}

func (f *fakeOrders) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.OrderRecord, error) {
	var out []domain.OrderRecord
	for _, r := range f.recs {
		if r.State.Status.Terminal() && r.State.UpdatedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeOrders) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	f.deleted = append(f.deleted, ids...)
	return int64(len(ids)), nil
}

type fakeSettlements struct{ reqs []domain.SettlementRequest }

func (f *fakeSettlements) ListTerminalBefore(context.Context, time.Time) ([]domain.SettlementRequest, error) {
	return f.reqs, nil
}

func (f *fakeSettlements) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	return int64(len(ids)), nil
}

func record(id string, status domain.OrderStatus, at time.Time) domain.OrderRecord {
	return domain.OrderRecord{
		Order: domain.Order{ID: id, UserID: "u1", Pair: "ETH-USDC", Side: domain.OrderSideBuy,
			Type: domain.Limit{Price: decimal.NewFromInt(2000)}, Amount: decimal.NewFromInt(1)},
		State: domain.OrderState{Status: status, FilledAmount: decimal.Zero, FilledNotional: decimal.Zero, UpdatedAt: at},
	}
}

func newTestArchiver(blobs *memBlobs, orders *fakeOrders, settlements *fakeSettlements, audit domain.AuditStore) *Archiver {
	return NewArchiver(blobs, blobs, orders, settlements, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestArchiveOrdersPartitionsByMonthAndAppends(t *testing.T) {
	ctx := context.Background()
	jan := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	blobs := &memBlobs{objects: map[string]string{
		"archive/orders/2026-01.jsonl": `{"id":"old"}`,
	}}
	orders := &fakeOrders{recs: []domain.OrderRecord{
		record("o1", domain.OrderStatusFilled, jan),
		record("o2", domain.OrderStatusCanceled, feb),
		record("o3", domain.OrderStatusRouted, jan),
	}}
	audit := memstore.NewAudit()
	a := newTestArchiver(blobs, orders, &fakeSettlements{}, audit)

	n, err := a.ArchiveOrders(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.ElementsMatch(t, []string{"o1", "o2"}, orders.deleted)

	janLines := strings.Split(strings.TrimSpace(blobs.objects["archive/orders/2026-01.jsonl"]), "\n")
	require.Len(t, janLines, 2)
	assert.Equal(t, `{"id":"old"}`, janLines[0])
	assert.Contains(t, janLines[1], `"id":"o1"`)
	assert.Contains(t, janLines[1], `"type":"limit"`)
	assert.Contains(t, janLines[1], `"price":"2000"`)
	assert.Contains(t, blobs.objects["archive/orders/2026-02.jsonl"], `"id":"o2"`)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.orders", entries[0].Event)
	assert.Equal(t, int64(2), entries[0].Detail["count"])
}

func TestArchiveKeepsRowsWhenUploadFails(t *testing.T) {
	blobs := &memBlobs{objects: map[string]string{}, failPut: true}
	orders := &fakeOrders{recs: []domain.OrderRecord{record("o1", domain.OrderStatusFilled, time.Unix(0, 0))}}
	a := newTestArchiver(blobs, orders, &fakeSettlements{}, nil)

	_, err := a.ArchiveOrders(context.Background(), time.Now())
	require.Error(t, err)
	assert.Empty(t, orders.deleted)
}

func TestArchiveSettlementsNothingToDo(t *testing.T) {
	blobs := &memBlobs{objects: map[string]string{}}
	a := newTestArchiver(blobs, &fakeOrders{}, &fakeSettlements{}, nil)
	n, err := a.ArchiveSettlements(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestAppendJSONLOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, appendJSONL(&buf, []settlementLine{{ID: "s1"}, {ID: "s2"}}))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
}
