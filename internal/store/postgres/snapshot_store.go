package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wagermesh/wagerd/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
// Snapshots are written inside the settlement transaction (see BetStore);
// this store covers reads and retention.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a SnapshotStore backed by the given connection
// pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapCols = `id, market_id, yes_pool, no_pool, total_bets, created_at`

func scanSnapshot(row pgx.Row) (domain.PoolSnapshot, error) {
	var s domain.PoolSnapshot
	err := row.Scan(&s.ID, &s.MarketID, &s.YesPool, &s.NoPool, &s.TotalBets, &s.CreatedAt)
	return s, err
}

// Latest returns the most recent snapshot for a market.
func (s *SnapshotStore) Latest(ctx context.Context, marketID string) (domain.PoolSnapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapCols+` FROM pool_snapshots
		 WHERE market_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		marketID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PoolSnapshot{}, domain.ErrNotFound
		}
		return domain.PoolSnapshot{}, fmt.Errorf("postgres: latest snapshot %s: %w", marketID, err)
	}
	return snap, nil
}

// ListByMarket returns snapshot history for a market, newest first.
func (s *SnapshotStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PoolSnapshot, error) {
	query := `SELECT ` + snapCols + ` FROM pool_snapshots WHERE market_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{marketID}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots %s: %w", marketID, err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

// ListArchivable returns, per market, every snapshot ranked beyond the
// newest keep rows, oldest first. These are the ring-buffer overflow the
// retention pass archives and prunes.
func (s *SnapshotStore) ListArchivable(ctx context.Context, keep int) ([]domain.PoolSnapshot, error) {
	const query = `
		SELECT ` + snapCols + ` FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY market_id ORDER BY created_at DESC, id DESC
			) AS rank
			FROM pool_snapshots
		) ranked
		WHERE rank > $1
		ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, keep)
	if err != nil {
		return nil, fmt.Errorf("postgres: list archivable snapshots: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

// Delete removes snapshots by ID. Called only after archival succeeded.
func (s *SnapshotStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM pool_snapshots WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("postgres: delete %d snapshots: %w", len(ids), err)
	}
	return nil
}

func collectSnapshots(rows pgx.Rows) ([]domain.PoolSnapshot, error) {
	var snaps []domain.PoolSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: snapshot rows: %w", err)
	}
	return snaps, nil
}

// Compile-time interface check.
var _ domain.SnapshotStore = (*SnapshotStore)(nil)
