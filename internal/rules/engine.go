// Package rules implements the anti-manipulation rule engine. Evaluate is a
// pure function of the candidate bet and the state handed to it; it
// performs no I/O and always runs every check, so a rejection carries the
// complete list of violated rules rather than just the first.
package rules

import (
	"fmt"
	"time"

	"github.com/wagermesh/wagerd/internal/domain"
)

// Code identifies one violated rule.
type Code string

const (
	CodeAmountBelowMin        Code = "AMOUNT_BELOW_MIN"
	CodeAmountAboveMax        Code = "AMOUNT_ABOVE_MAX"
	CodeAmountNotWhole        Code = "AMOUNT_NOT_WHOLE"
	CodeMarketNotActive       Code = "MARKET_NOT_ACTIVE"
	CodeMarketExpired         Code = "MARKET_EXPIRED"
	CodeWalletFlagged         Code = "WALLET_FLAGGED"
	CodeCooldownNotMet        Code = "COOLDOWN_NOT_MET"
	CodeBetCountExceeded      Code = "BET_COUNT_EXCEEDED"
	CodeConcentrationExceeded Code = "CONCENTRATION_EXCEEDED"
	CodeVelocityExceeded      Code = "VELOCITY_EXCEEDED"
)

// Limits holds the policy knobs. Amounts are micro-tokens; the
// concentration cap is expressed in basis points of the post-bet total
// pool so the check stays in integer arithmetic.
type Limits struct {
	MinBet            int64
	MaxBet            int64
	Cooldown          time.Duration
	MaxBetsPerMarket  int
	MaxPoolShareBps   int64
	BootstrapCeiling  int64 // absolute cap while the pool is empty
	VelocityWindow    time.Duration
	MaxBetsPerWindow  int
	RequireWholeUnits bool
}

// DefaultLimits returns the production policy.
func DefaultLimits() Limits {
	return Limits{
		MinBet:            5 * domain.MicroPerToken,
		MaxBet:            10_000 * domain.MicroPerToken,
		Cooldown:          2 * time.Minute,
		MaxBetsPerMarket:  10,
		MaxPoolShareBps:   3_000, // 30% of the post-bet pool
		BootstrapCeiling:  1_000 * domain.MicroPerToken,
		VelocityWindow:    time.Hour,
		MaxBetsPerWindow:  5,
		RequireWholeUnits: true,
	}
}

// Input is everything a single evaluation may look at.
type Input struct {
	Choice   domain.Choice
	Amount   int64
	Now      time.Time
	Market   domain.Market
	Activity domain.WalletActivity
	Flagged  bool
}

// Violation is one failed check.
type Violation struct {
	Code   Code
	Detail string
}

// Result is the full verdict of one evaluation.
type Result struct {
	Violations []Violation
}

// OK reports whether every check passed.
func (r Result) OK() bool {
	return len(r.Violations) == 0
}

// Codes returns just the violation codes, in evaluation order.
func (r Result) Codes() []Code {
	out := make([]Code, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.Code
	}
	return out
}

// check is one pure predicate; it returns violations, empty when satisfied.
type check func(in Input, l Limits) []Violation

// allChecks is the fixed evaluation order. Every check runs on every call.
var allChecks = []check{
	checkAmountBounds,
	checkMarketLive,
	checkWalletFlag,
	checkCooldown,
	checkBetCount,
	checkConcentration,
	checkVelocity,
}

// Evaluate runs every check against the input and collects all violations.
func Evaluate(in Input, l Limits) Result {
	var out Result
	for _, c := range allChecks {
		out.Violations = append(out.Violations, c(in, l)...)
	}
	return out
}

func checkAmountBounds(in Input, l Limits) []Violation {
	var vs []Violation
	if in.Amount < l.MinBet {
		vs = append(vs, Violation{
			Code:   CodeAmountBelowMin,
			Detail: fmt.Sprintf("amount %s below minimum %s", domain.FormatAmount(in.Amount), domain.FormatAmount(l.MinBet)),
		})
	}
	if in.Amount > l.MaxBet {
		vs = append(vs, Violation{
			Code:   CodeAmountAboveMax,
			Detail: fmt.Sprintf("amount %s above maximum %s", domain.FormatAmount(in.Amount), domain.FormatAmount(l.MaxBet)),
		})
	}
	if l.RequireWholeUnits && !domain.IsWholeTokens(in.Amount) {
		vs = append(vs, Violation{
			Code:   CodeAmountNotWhole,
			Detail: fmt.Sprintf("amount %s is not a whole token count", domain.FormatAmount(in.Amount)),
		})
	}
	return vs
}

func checkMarketLive(in Input, _ Limits) []Violation {
	var vs []Violation
	if in.Market.Status != domain.MarketStatusActive {
		vs = append(vs, Violation{
			Code:   CodeMarketNotActive,
			Detail: fmt.Sprintf("market status %s", in.Market.Status),
		})
	}
	if !in.Now.Before(in.Market.EndsAt) {
		vs = append(vs, Violation{Code: CodeMarketExpired})
	}
	return vs
}

func checkWalletFlag(in Input, _ Limits) []Violation {
	if in.Flagged {
		return []Violation{{Code: CodeWalletFlagged}}
	}
	return nil
}

func checkCooldown(in Input, l Limits) []Violation {
	if in.Activity.LastBetAt == nil {
		return nil
	}
	elapsed := in.Now.Sub(*in.Activity.LastBetAt)
	if elapsed < l.Cooldown {
		return []Violation{{
			Code:   CodeCooldownNotMet,
			Detail: fmt.Sprintf("%s remaining", (l.Cooldown - elapsed).Round(time.Second)),
		}}
	}
	return nil
}

func checkBetCount(in Input, l Limits) []Violation {
	if in.Activity.BetCount >= l.MaxBetsPerMarket {
		return []Violation{{
			Code:   CodeBetCountExceeded,
			Detail: fmt.Sprintf("%d of %d bets used", in.Activity.BetCount, l.MaxBetsPerMarket),
		}}
	}
	return nil
}

// checkConcentration caps the wallet's cumulative share of the pool as it
// would stand after this bet. An empty pool has no share to take a
// fraction of, so a flat bootstrap ceiling applies instead.
func checkConcentration(in Input, l Limits) []Violation {
	stakeAfter := in.Activity.TotalStaked + in.Amount

	if in.Market.TotalPool() == 0 {
		if in.Amount > l.BootstrapCeiling {
			return []Violation{{
				Code:   CodeConcentrationExceeded,
				Detail: fmt.Sprintf("bootstrap ceiling %s", domain.FormatAmount(l.BootstrapCeiling)),
			}}
		}
		return nil
	}

	poolAfter := in.Market.TotalPool() + in.Amount
	if stakeAfter*10_000 > l.MaxPoolShareBps*poolAfter {
		return []Violation{{
			Code: CodeConcentrationExceeded,
			Detail: fmt.Sprintf("stake %s would exceed %d%% of post-bet pool %s",
				domain.FormatAmount(stakeAfter), l.MaxPoolShareBps/100, domain.FormatAmount(poolAfter)),
		}}
	}
	return nil
}

func checkVelocity(in Input, l Limits) []Violation {
	cutoff := in.Now.Add(-l.VelocityWindow)
	recent := 0
	for _, ts := range in.Activity.RecentBetsAt {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent >= l.MaxBetsPerWindow {
		return []Violation{{
			Code:   CodeVelocityExceeded,
			Detail: fmt.Sprintf("%d bets in trailing %s", recent, l.VelocityWindow),
		}}
	}
	return nil
}
