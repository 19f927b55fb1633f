package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

var _ domain.SettlementStore = (*SettlementStore)(nil)

// NewSettlementStore creates a new SettlementStore backed by the given
// connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Upsert writes req keyed by ID. A row already carrying a newer UpdatedAt
// wins, so out-of-order worker writes cannot roll a settlement back.
func (s *SettlementStore) Upsert(ctx context.Context, req domain.SettlementRequest) error {
	swap, err := encodeSwap(req.Swap)
	if err != nil {
		return fmt.Errorf("postgres: upsert settlement %s: %w", req.ID, err)
	}
	fill, err := encodeFill(req.Fill)
	if err != nil {
		return fmt.Errorf("postgres: upsert settlement %s: %w", req.ID, err)
	}

	const query = `
		INSERT INTO settlements (
			id, order_id, dedup_key, pair, venue,
			expected_amount, expected_price, attempts, status, tx_hash,
			priority, reason, swap, fill,
			created_at, updated_at, submitted_at, confirmed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18
		)
		ON CONFLICT (id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			status = EXCLUDED.status,
			tx_hash = EXCLUDED.tx_hash,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at,
			submitted_at = EXCLUDED.submitted_at,
			confirmed_at = EXCLUDED.confirmed_at
		WHERE settlements.updated_at <= EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		req.ID, req.OrderID, req.DedupKey, req.Pair, string(req.Venue),
		decText(req.ExpectedAmount), decText(req.ExpectedPrice), req.Attempts, string(req.Status), req.TxHash,
		string(req.Priority), req.Reason, swap, fill,
		req.CreatedAt, req.UpdatedAt, req.SubmittedAt, req.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert settlement %s: %w", req.ID, err)
	}
	return nil
}

const settlementSelectCols = `id, order_id, dedup_key, pair, venue,
	expected_amount::text, expected_price::text, attempts, status, tx_hash,
	priority, reason, swap, fill,
	created_at, updated_at, submitted_at, confirmed_at`

func scanSettlement(scanner interface{ Scan(dest ...any) error }) (domain.SettlementRequest, error) {
	var (
		r                       domain.SettlementRequest
		venue, status, priority string
		amount, price           string
		swap, fill              []byte
	)
	err := scanner.Scan(
		&r.ID, &r.OrderID, &r.DedupKey, &r.Pair, &venue,
		&amount, &price, &r.Attempts, &status, &r.TxHash,
		&priority, &r.Reason, &swap, &fill,
		&r.CreatedAt, &r.UpdatedAt, &r.SubmittedAt, &r.ConfirmedAt,
	)
	if err != nil {
		return domain.SettlementRequest{}, err
	}
	r.Venue = domain.Venue(venue)
	r.Status = domain.SettlementStatus(status)
	r.Priority = domain.Priority(priority)
	if r.ExpectedAmount, err = parseDec(amount); err != nil {
		return domain.SettlementRequest{}, err
	}
	if r.ExpectedPrice, err = parseDec(price); err != nil {
		return domain.SettlementRequest{}, err
	}
	if r.Swap, err = decodeSwap(swap); err != nil {
		return domain.SettlementRequest{}, err
	}
	if r.Fill, err = decodeFill(fill); err != nil {
		return domain.SettlementRequest{}, err
	}
	return r, nil
}

func scanSettlements(rows pgx.Rows) ([]domain.SettlementRequest, error) {
	var out []domain.SettlementRequest
	for rows.Next() {
		r, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetByOrderID returns the order's most recent settlement.
func (s *SettlementStore) GetByOrderID(ctx context.Context, orderID string) (domain.SettlementRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID)
	r, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettlementRequest{}, domain.ErrNotFound
		}
		return domain.SettlementRequest{}, fmt.Errorf("postgres: get settlement for %s: %w", orderID, err)
	}
	return r, nil
}

// ListPending returns queued and in-flight settlements, oldest first. The
// queue replays them on startup.
func (s *SettlementStore) ListPending(ctx context.Context) ([]domain.SettlementRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE status IN ('queued', 'in_flight') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending settlements: %w", err)
	}
	defer rows.Close()

	out, err := scanSettlements(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan pending settlements: %w", err)
	}
	return out, nil
}

// ListTerminalBefore returns released settlements last updated before the
// cutoff.
func (s *SettlementStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.SettlementRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE status IN ('confirmed', 'failed', 'abandoned') AND updated_at < $1
		 ORDER BY updated_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal settlements: %w", err)
	}
	defer rows.Close()

	out, err := scanSettlements(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal settlements: %w", err)
	}
	return out, nil
}

// DeleteByIDs removes archived settlements.
func (s *SettlementStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM settlements WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete settlements: %w", err)
	}
	return tag.RowsAffected(), nil
}
