package domain

import "time"

// BetStatus is the settlement state of a bet. Transitions are forward-only:
// confirmed -> flagged -> clawed_back.
type BetStatus string

const (
	BetStatusConfirmed  BetStatus = "confirmed"
	BetStatusFlagged    BetStatus = "flagged"
	BetStatusClawedBack BetStatus = "clawed_back"
)

// Bet is one settled wager. TxRef is the on-chain transaction hash and is
// unique across all bets; that uniqueness is the idempotency guarantee for
// the confirmation endpoint. BetNumber is the wallet's 1-based sequence on
// this market.
type Bet struct {
	ID            string
	WalletAddress string
	MarketID      string
	Choice        Choice
	Amount        int64
	BetNumber     int
	Status        BetStatus
	TxRef         string
	BlockNumber   uint64
	CreatedAt     time.Time
}

// AuditAction tags an audit trail entry.
type AuditAction string

const (
	AuditActionPlaced     AuditAction = "placed"
	AuditActionFlagged    AuditAction = "flagged"
	AuditActionClawedBack AuditAction = "clawed_back"
	AuditActionRefunded   AuditAction = "refunded"
)

// AuditEntry is one append-only audit trail record tied to a bet. Entries
// are write-once: never updated, never deleted from the primary store.
type AuditEntry struct {
	ID             int64
	BetID          string
	Action         AuditAction
	Reason         string
	ClawbackAmount int64
	ClawbackTxRef  string
	CreatedAt      time.Time
}

// FlaggedWallet is a risk-workflow verdict consumed as a gating input by
// the rule engine. Rows are written by an external process.
type FlaggedWallet struct {
	WalletAddress string
	MarketID      string
	Reason        string
	Severity      string
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PoolSnapshot is a point-in-time record of a market's pools, written after
// every settlement commit. Retention is bounded: old snapshots are archived
// to cold storage and pruned.
type PoolSnapshot struct {
	ID        int64
	MarketID  string
	YesPool   int64
	NoPool    int64
	TotalBets int
	CreatedAt time.Time
}

// WalletActivity aggregates one wallet's betting history on one market, as
// read inside the settlement critical section and fed to the rule engine.
type WalletActivity struct {
	BetCount     int
	TotalStaked  int64
	LastBetAt    *time.Time
	RecentBetsAt []time.Time // timestamps within the trailing velocity window
}
