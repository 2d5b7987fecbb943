package domain

import "time"

// MarketStatus represents the lifecycle state of a market. Transitions are
// monotonic: active -> closed -> resolved, never backwards.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "active"
	MarketStatusClosed   MarketStatus = "closed"
	MarketStatusResolved MarketStatus = "resolved"
)

// Choice is one side of a binary market.
type Choice string

const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

// Valid reports whether c is one of the two known sides.
func (c Choice) Valid() bool {
	return c == ChoiceYes || c == ChoiceNo
}

// Market is the off-chain mirror of one on-chain binary-outcome market.
// Pool fields are denominated in the token's smallest unit and are mutated
// only by the settlement path; status and winner belong to the external
// resolution workflow.
type Market struct {
	ID        string
	Question  string
	Status    MarketStatus
	Winner    Choice // empty until resolved
	YesPool   int64
	NoPool    int64
	StartsAt  time.Time
	EndsAt    time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalPool returns the combined stake across both sides.
func (m Market) TotalPool() int64 {
	return m.YesPool + m.NoPool
}

// Live reports whether the market accepts new bets at the given instant.
func (m Market) Live(now time.Time) bool {
	return m.Status == MarketStatusActive && now.Before(m.EndsAt)
}

// CanTransition reports whether a status change is allowed. Terminal states
// never revert.
func (m Market) CanTransition(to MarketStatus) bool {
	switch m.Status {
	case MarketStatusActive:
		return to == MarketStatusClosed || to == MarketStatusResolved
	case MarketStatusClosed:
		return to == MarketStatusResolved
	default:
		return false
	}
}
