package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wagermesh/wagerd/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL. The table is
// append-only; there is no update or delete path.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

const auditCols = `id, bet_id, action, reason, clawback_amount, clawback_tx_ref, created_at`

// Append writes one audit entry.
func (s *AuditStore) Append(ctx context.Context, e domain.AuditEntry) error {
	const query = `
		INSERT INTO audit_entries (bet_id, action, reason, clawback_amount, clawback_tx_ref)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, query,
		e.BetID, string(e.Action), e.Reason, e.ClawbackAmount, e.ClawbackTxRef,
	)
	if err != nil {
		return fmt.Errorf("postgres: append audit for bet %s: %w", e.BetID, err)
	}
	return nil
}

func scanAudit(row pgx.Row) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var action string
	err := row.Scan(
		&e.ID, &e.BetID, &action, &e.Reason,
		&e.ClawbackAmount, &e.ClawbackTxRef, &e.CreatedAt,
	)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	e.Action = domain.AuditAction(action)
	return e, nil
}

// ListByBet returns the audit trail of one bet, oldest first.
func (s *AuditStore) ListByBet(ctx context.Context, betID string) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditCols+` FROM audit_entries WHERE bet_id = $1 ORDER BY created_at ASC`,
		betID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit for bet %s: %w", betID, err)
	}
	defer rows.Close()
	return collectAudit(rows)
}

// ListBefore returns every entry created strictly before the cutoff,
// oldest first. Used by the cold-storage archiver.
func (s *AuditStore) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditCols+` FROM audit_entries WHERE created_at < $1 ORDER BY created_at ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()
	return collectAudit(rows)
}

func collectAudit(rows pgx.Rows) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: audit rows: %w", err)
	}
	return entries, nil
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
