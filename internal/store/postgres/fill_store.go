package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL. It is also the
// ledger the orderbook settlement source writes to.
type FillStore struct {
	pool *pgxpool.Pool
}

var _ domain.FillStore = (*FillStore)(nil)

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// InsertBatch inserts fills in one round trip. Fills already recorded are
// skipped via ON CONFLICT DO NOTHING.
func (s *FillStore) InsertBatch(ctx context.Context, fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}

	const query = `
		INSERT INTO fills (
			id, order_id, counterparty_order_id, pair, side,
			price, amount, venue, ts
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8, $9
		) ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, f := range fills {
		batch.Queue(query,
			f.ID, f.OrderID, f.CounterpartyOrderID, f.Pair, string(f.Side),
			decText(f.Price), decText(f.Amount), string(f.Venue), f.Timestamp,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range fills {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert fill batch item %d: %w", i, err)
		}
	}
	return nil
}

// Exists reports whether a fill is recorded.
func (s *FillStore) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM fills WHERE id = $1)", id).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: fill exists %s: %w", id, err)
	}
	return ok, nil
}

// ListByOrder returns an order's fills in time order.
func (s *FillStore) ListByOrder(ctx context.Context, orderID string) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, counterparty_order_id, pair, side,
			price::text, amount::text, venue, ts
		FROM fills WHERE order_id = $1 ORDER BY ts, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var (
			f             domain.Fill
			side, venue   string
			price, amount string
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.CounterpartyOrderID, &f.Pair, &side,
			&price, &amount, &venue, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		f.Side = domain.OrderSide(side)
		f.Venue = domain.Venue(venue)
		if f.Price, err = parseDec(price); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		if f.Amount, err = parseDec(amount); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fills rows: %w", err)
	}
	return out, nil
}
