package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market metadata and pool totals.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// SettleParams carries the verified inputs for one atomic settlement.
type SettleParams struct {
	WalletAddress string
	MarketID      string
	Choice        Choice
	Amount        int64
	TxRef         string
	BlockNumber   uint64
	RuleReason    string // recorded in the placed audit entry
}

// SettleResult reports the outcome of a settlement attempt. When
// AlreadySettled is true, Bet is the pre-existing row for the same TxRef
// and no state was changed.
type SettleResult struct {
	Bet            Bet
	AlreadySettled bool
}

// BetStore persists bets. Settle is the only write path that touches pool
// totals; it must commit the bet row, the placed audit entry, the pool
// increment, and the pool snapshot in a single transaction.
type BetStore interface {
	Settle(ctx context.Context, p SettleParams) (SettleResult, error)
	GetByID(ctx context.Context, id string) (Bet, error)
	GetByTxRef(ctx context.Context, txRef string) (Bet, error)
	ListByWallet(ctx context.Context, wallet, marketID string, opts ListOpts) ([]Bet, error)
	CountByWallet(ctx context.Context, wallet, marketID string) (int64, error)
	// WalletActivity aggregates one wallet's confirmed history on a market;
	// window bounds the RecentBetsAt timestamps (velocity input).
	WalletActivity(ctx context.Context, wallet, marketID string, window time.Duration) (WalletActivity, error)
	// UpdateStatus applies a forward-only status transition.
	UpdateStatus(ctx context.Context, id string, status BetStatus) error
}

// AuditStore persists the append-only audit trail.
type AuditStore interface {
	Append(ctx context.Context, e AuditEntry) error
	ListByBet(ctx context.Context, betID string) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}

// FlaggedWalletStore reads risk-workflow flags.
type FlaggedWalletStore interface {
	Get(ctx context.Context, wallet, marketID string) (FlaggedWallet, error)
	ListActive(ctx context.Context, marketID string) ([]FlaggedWallet, error)
}

// SnapshotStore persists pool snapshot history.
type SnapshotStore interface {
	Latest(ctx context.Context, marketID string) (PoolSnapshot, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]PoolSnapshot, error)
	// ListArchivable returns, for every market, the snapshots older than the
	// newest keep rows, ordered oldest first.
	ListArchivable(ctx context.Context, keep int) ([]PoolSnapshot, error)
	Delete(ctx context.Context, ids []int64) error
}
