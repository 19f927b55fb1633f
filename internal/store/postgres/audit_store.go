package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// AuditStore appends order lifecycle and admin events to audit_log. Rows are
// never updated; the archiver does not touch them.
type AuditStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an AuditStore on pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool, now: time.Now}
}

// Log records event. The timestamp is taken on the engine so entries from a
// burst keep submission order even when the database clock drifts.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	var raw []byte
	if len(detail) > 0 {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("postgres: audit %s: encode detail: %w", event, err)
		}
		raw = b
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES ($1, $2, $3)`,
		event, raw, s.now().UTC(),
	); err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	bounds, args, argIdx := rangeClause("created_at", opts, nil, 1)
	page, args := pageClause(opts, args, argIdx)
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE TRUE` +
		bounds + ` ORDER BY created_at DESC, id DESC` + page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e   domain.AuditEntry
		raw []byte
	)
	if err := row.Scan(&e.ID, &e.Event, &raw, &e.CreatedAt); err != nil {
		return e, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Detail); err != nil {
			return e, fmt.Errorf("decode detail of entry %d: %w", e.ID, err)
		}
	}
	return e, nil
}
