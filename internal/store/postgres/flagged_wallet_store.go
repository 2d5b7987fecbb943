package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wagermesh/wagerd/internal/domain"
)

// FlaggedWalletStore implements domain.FlaggedWalletStore using PostgreSQL.
// Rows are written by the external risk workflow; this side only reads.
type FlaggedWalletStore struct {
	pool *pgxpool.Pool
}

// NewFlaggedWalletStore creates a FlaggedWalletStore backed by the given
// connection pool.
func NewFlaggedWalletStore(pool *pgxpool.Pool) *FlaggedWalletStore {
	return &FlaggedWalletStore{pool: pool}
}

const flagCols = `wallet_address, market_id, reason, severity, is_active, created_at, updated_at`

func scanFlag(row pgx.Row) (domain.FlaggedWallet, error) {
	var f domain.FlaggedWallet
	err := row.Scan(
		&f.WalletAddress, &f.MarketID, &f.Reason, &f.Severity,
		&f.IsActive, &f.CreatedAt, &f.UpdatedAt,
	)
	return f, err
}

// Get retrieves the flag row for a (wallet, market) pair.
func (s *FlaggedWalletStore) Get(ctx context.Context, wallet, marketID string) (domain.FlaggedWallet, error) {
	f, err := scanFlag(s.pool.QueryRow(ctx,
		`SELECT `+flagCols+` FROM flagged_wallets WHERE wallet_address = $1 AND market_id = $2`,
		wallet, marketID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FlaggedWallet{}, domain.ErrNotFound
		}
		return domain.FlaggedWallet{}, fmt.Errorf("postgres: get flag %s/%s: %w", wallet, marketID, err)
	}
	return f, nil
}

// ListActive returns all active flags on a market.
func (s *FlaggedWalletStore) ListActive(ctx context.Context, marketID string) ([]domain.FlaggedWallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+flagCols+` FROM flagged_wallets WHERE market_id = $1 AND is_active ORDER BY updated_at DESC`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list flags for %s: %w", marketID, err)
	}
	defer rows.Close()

	var flags []domain.FlaggedWallet
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan flag: %w", err)
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list flags rows: %w", err)
	}
	return flags, nil
}

// Compile-time interface check.
var _ domain.FlaggedWalletStore = (*FlaggedWalletStore)(nil)
