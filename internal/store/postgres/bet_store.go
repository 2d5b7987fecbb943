package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wagermesh/wagerd/internal/domain"
)

// BetStore implements domain.BetStore using PostgreSQL. Settle is the one
// write path that mutates pool totals; everything it touches commits in a
// single transaction.
type BetStore struct {
	pool          *pgxpool.Pool
	settleTimeout time.Duration
}

// NewBetStore creates a BetStore. settleTimeout bounds each settlement
// transaction; zero selects a 10 second default.
func NewBetStore(pool *pgxpool.Pool, settleTimeout time.Duration) *BetStore {
	if settleTimeout <= 0 {
		settleTimeout = 10 * time.Second
	}
	return &BetStore{pool: pool, settleTimeout: settleTimeout}
}

const betCols = `id, wallet_address, market_id, choice, amount, bet_number,
	status, tx_ref, block_number, created_at`

func scanBet(row pgx.Row) (domain.Bet, error) {
	var b domain.Bet
	var choice, status string
	err := row.Scan(
		&b.ID, &b.WalletAddress, &b.MarketID, &choice, &b.Amount,
		&b.BetNumber, &status, &b.TxRef, &b.BlockNumber, &b.CreatedAt,
	)
	if err != nil {
		return domain.Bet{}, err
	}
	b.Choice = domain.Choice(choice)
	b.Status = domain.BetStatus(status)
	return b, nil
}

// Settle commits one verified bet atomically: the bet row, the placed
// audit entry, the pool increment, and a pool snapshot. A duplicate TxRef
// is not an error; the existing settlement is returned with
// AlreadySettled set and nothing is written.
func (s *BetStore) Settle(ctx context.Context, p domain.SettleParams) (domain.SettleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.settleTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.SettleResult{}, wrapSettleErr("begin", p.TxRef, err)
	}
	defer tx.Rollback(ctx)

	// Insert the bet, assigning the wallet's next sequence number on this
	// market. The unique tx_ref constraint makes replays no-ops.
	const insertBet = `
		INSERT INTO bets (
			id, wallet_address, market_id, choice, amount,
			bet_number, status, tx_ref, block_number
		)
		SELECT $1, $2, $3, $4, $5,
			COALESCE(MAX(bet_number), 0) + 1, 'confirmed', $6, $7
		FROM bets
		WHERE wallet_address = $2 AND market_id = $3
		ON CONFLICT (tx_ref) DO NOTHING
		RETURNING ` + betCols

	bet, err := scanBet(tx.QueryRow(ctx, insertBet,
		uuid.New().String(), p.WalletAddress, p.MarketID,
		string(p.Choice), p.Amount, p.TxRef, p.BlockNumber,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict on tx_ref: this transaction was already settled.
			existing, getErr := s.GetByTxRef(ctx, p.TxRef)
			if getErr != nil {
				return domain.SettleResult{}, wrapSettleErr("load existing", p.TxRef, getErr)
			}
			return domain.SettleResult{Bet: existing, AlreadySettled: true}, nil
		}
		return domain.SettleResult{}, wrapSettleErr("insert bet", p.TxRef, err)
	}

	poolCol := "yes_pool"
	if p.Choice == domain.ChoiceNo {
		poolCol = "no_pool"
	}
	var yesPool, noPool int64
	err = tx.QueryRow(ctx,
		`UPDATE markets SET `+poolCol+` = `+poolCol+` + $1, updated_at = NOW()
		 WHERE id = $2
		 RETURNING yes_pool, no_pool`,
		p.Amount, p.MarketID,
	).Scan(&yesPool, &noPool)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettleResult{}, domain.ErrNotFound
		}
		return domain.SettleResult{}, wrapSettleErr("update pool", p.TxRef, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_entries (bet_id, action, reason) VALUES ($1, $2, $3)`,
		bet.ID, string(domain.AuditActionPlaced), p.RuleReason,
	); err != nil {
		return domain.SettleResult{}, wrapSettleErr("audit entry", p.TxRef, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO pool_snapshots (market_id, yes_pool, no_pool, total_bets)
		 VALUES ($1, $2, $3,
			(SELECT COUNT(*) FROM bets WHERE market_id = $1 AND status = 'confirmed'))`,
		p.MarketID, yesPool, noPool,
	); err != nil {
		return domain.SettleResult{}, wrapSettleErr("snapshot", p.TxRef, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.SettleResult{}, wrapSettleErr("commit", p.TxRef, err)
	}

	return domain.SettleResult{Bet: bet}, nil
}

// wrapSettleErr classifies transaction timeouts as retryable.
func wrapSettleErr(step, txRef string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("postgres: settle %s: %s: %w", txRef, step, domain.ErrStoreTimeout)
	}
	return fmt.Errorf("postgres: settle %s: %s: %w", txRef, step, err)
}

// GetByID retrieves a bet by its primary key.
func (s *BetStore) GetByID(ctx context.Context, id string) (domain.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betCols+` FROM bets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bet{}, domain.ErrNotFound
		}
		return domain.Bet{}, fmt.Errorf("postgres: get bet %s: %w", id, err)
	}
	return b, nil
}

// GetByTxRef retrieves a bet by its unique transaction reference.
func (s *BetStore) GetByTxRef(ctx context.Context, txRef string) (domain.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betCols+` FROM bets WHERE tx_ref = $1`, txRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bet{}, domain.ErrNotFound
		}
		return domain.Bet{}, fmt.Errorf("postgres: get bet by tx %s: %w", txRef, err)
	}
	return b, nil
}

// ListByWallet returns a wallet's bets, optionally scoped to one market,
// newest first.
func (s *BetStore) ListByWallet(ctx context.Context, wallet, marketID string, opts domain.ListOpts) ([]domain.Bet, error) {
	query := `SELECT ` + betCols + ` FROM bets WHERE wallet_address = $1`
	args := []any{wallet}
	argIdx := 2

	if marketID != "" {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, marketID)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

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
		return nil, fmt.Errorf("postgres: list bets for %s: %w", wallet, err)
	}
	defer rows.Close()

	var bets []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		bets = append(bets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bets rows: %w", err)
	}
	return bets, nil
}

// CountByWallet returns the wallet's bet count, optionally scoped to one
// market.
func (s *BetStore) CountByWallet(ctx context.Context, wallet, marketID string) (int64, error) {
	query := `SELECT COUNT(*) FROM bets WHERE wallet_address = $1`
	args := []any{wallet}
	if marketID != "" {
		query += " AND market_id = $2"
		args = append(args, marketID)
	}
	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count bets for %s: %w", wallet, err)
	}
	return count, nil
}

// WalletActivity aggregates a wallet's confirmed history on one market for
// rule evaluation.
func (s *BetStore) WalletActivity(ctx context.Context, wallet, marketID string, window time.Duration) (domain.WalletActivity, error) {
	var a domain.WalletActivity
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0), MAX(created_at)
		 FROM bets
		 WHERE wallet_address = $1 AND market_id = $2 AND status = 'confirmed'`,
		wallet, marketID,
	).Scan(&a.BetCount, &a.TotalStaked, &a.LastBetAt)
	if err != nil {
		return domain.WalletActivity{}, fmt.Errorf("postgres: wallet activity %s/%s: %w", wallet, marketID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT created_at FROM bets
		 WHERE wallet_address = $1 AND market_id = $2
		   AND status = 'confirmed' AND created_at > $3
		 ORDER BY created_at DESC`,
		wallet, marketID, time.Now().UTC().Add(-window),
	)
	if err != nil {
		return domain.WalletActivity{}, fmt.Errorf("postgres: wallet recent bets %s/%s: %w", wallet, marketID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return domain.WalletActivity{}, fmt.Errorf("postgres: scan recent bet: %w", err)
		}
		a.RecentBetsAt = append(a.RecentBetsAt, ts)
	}
	if err := rows.Err(); err != nil {
		return domain.WalletActivity{}, fmt.Errorf("postgres: wallet recent bets rows: %w", err)
	}
	return a, nil
}

// UpdateStatus applies a forward-only status transition. Backward or
// no-op transitions leave the row untouched and return ErrInvalidRequest.
func (s *BetStore) UpdateStatus(ctx context.Context, id string, status domain.BetStatus) error {
	rank := map[domain.BetStatus]int{
		domain.BetStatusConfirmed:  0,
		domain.BetStatusFlagged:    1,
		domain.BetStatusClawedBack: 2,
	}
	target, ok := rank[status]
	if !ok {
		return fmt.Errorf("postgres: update bet %s: unknown status %q: %w", id, status, domain.ErrInvalidRequest)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE bets SET status = $1
		 WHERE id = $2
		   AND CASE status
		     WHEN 'confirmed' THEN 0
		     WHEN 'flagged' THEN 1
		     ELSE 2
		   END < $3`,
		string(status), id, target,
	)
	if err != nil {
		return fmt.Errorf("postgres: update bet %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: update bet %s: backward transition to %q: %w", id, status, domain.ErrInvalidRequest)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BetStore = (*BetStore)(nil)
