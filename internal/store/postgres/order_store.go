package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

var _ domain.OrderStore = (*OrderStore)(nil)

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts an order with its initial state.
func (s *OrderStore) Create(ctx context.Context, rec domain.OrderRecord) error {
	o, st := rec.Order, rec.State
	price, hasPrice := o.LimitPrice()
	stop, hasStop := o.StopTrigger()

	const query = `
		INSERT INTO orders (
			id, user_id, source_ip, pair, side, order_type,
			price, stop_price, amount, priority, confirmed, submitted_at,
			status, filled_amount, filled_notional, fill_count, venue,
			reason, security_warning, settlement_id, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::numeric, $8::numeric, $9::numeric, $10, $11, $12,
			$13, $14::numeric, $15::numeric, $16, $17,
			$18, $19, $20, $21
		)`
	_, err := s.pool.Exec(ctx, query,
		o.ID, o.UserID, o.SourceIP, o.Pair, string(o.Side), string(o.Kind()),
		optDecText(price, hasPrice), optDecText(stop, hasStop), decText(o.Amount),
		string(o.Priority), o.Confirmed, o.SubmittedAt,
		string(st.Status), decText(st.FilledAmount), decText(st.FilledNotional), st.Fills,
		string(st.Venue), st.Reason, st.SecurityWarning, st.SettlementID, st.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create order %s: %w", o.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateState overwrites the order's state unless the stored state is
// newer. Stale writes are dropped silently.
func (s *OrderStore) UpdateState(ctx context.Context, id string, st domain.OrderState) error {
	const query = `
		UPDATE orders SET
			status = $2, filled_amount = $3::numeric, filled_notional = $4::numeric,
			fill_count = $5, venue = $6, reason = $7, security_warning = $8,
			settlement_id = $9, updated_at = $10
		WHERE id = $1 AND updated_at <= $10`
	tag, err := s.pool.Exec(ctx, query,
		id, string(st.Status), decText(st.FilledAmount), decText(st.FilledNotional),
		st.Fills, string(st.Venue), st.Reason, st.SecurityWarning, st.SettlementID, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order state %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: update order state %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return nil
}

const orderSelectCols = `id, user_id, source_ip, pair, side, order_type,
	price::text, stop_price::text, amount::text, priority, confirmed, submitted_at,
	status, filled_amount::text, filled_notional::text, fill_count, venue,
	reason, security_warning, settlement_id, updated_at`

func scanOrderRecord(scanner interface{ Scan(dest ...any) error }) (domain.OrderRecord, error) {
	var (
		o                                   domain.Order
		st                                  domain.OrderState
		side, kind, priority, status, venue string
		price, stop                         *string
		amount, filled, notional            string
	)
	err := scanner.Scan(
		&o.ID, &o.UserID, &o.SourceIP, &o.Pair, &side, &kind,
		&price, &stop, &amount, &priority, &o.Confirmed, &o.SubmittedAt,
		&status, &filled, &notional, &st.Fills, &venue,
		&st.Reason, &st.SecurityWarning, &st.SettlementID, &st.UpdatedAt,
	)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Priority = domain.Priority(priority)
	st.Status = domain.OrderStatus(status)
	st.Venue = domain.Venue(venue)
	if o.Type, err = orderType(kind, price, stop); err != nil {
		return domain.OrderRecord{}, err
	}
	if o.Amount, err = parseDec(amount); err != nil {
		return domain.OrderRecord{}, err
	}
	if st.FilledAmount, err = parseDec(filled); err != nil {
		return domain.OrderRecord{}, err
	}
	if st.FilledNotional, err = parseDec(notional); err != nil {
		return domain.OrderRecord{}, err
	}
	return domain.OrderRecord{Order: o, State: st}, nil
}

func scanOrderRecords(rows pgx.Rows) ([]domain.OrderRecord, error) {
	var out []domain.OrderRecord
	for rows.Next() {
		rec, err := scanOrderRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetByID retrieves a single order by ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.OrderRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	rec, err := scanOrderRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderRecord{}, domain.ErrNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return rec, nil
}

// ListByUser returns a user's orders, newest first.
func (s *OrderStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.OrderRecord, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE user_id = $1`
	bounds, args, argIdx := rangeClause("submitted_at", opts, []any{userID}, 2)
	query += bounds + " ORDER BY submitted_at DESC"
	page, args := pageClause(opts, args, argIdx)
	query += page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by user: %w", err)
	}
	defer rows.Close()

	out, err := scanOrderRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by user: %w", err)
	}
	return out, nil
}

// ListTerminalBefore returns terminal orders last updated before the cutoff.
// The archiver reads these before purging them.
func (s *OrderStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.OrderRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ('filled', 'rejected', 'failed', 'canceled') AND updated_at < $1
		 ORDER BY updated_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal orders: %w", err)
	}
	defer rows.Close()

	out, err := scanOrderRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal orders: %w", err)
	}
	return out, nil
}

// DeleteByIDs removes archived orders and their fills.
func (s *OrderStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete orders: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM fills WHERE order_id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("postgres: delete fills: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM orders WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete orders: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: delete orders commit: %w", err)
	}
	return tag.RowsAffected(), nil
}
