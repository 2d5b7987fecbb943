package rules

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagermesh/wagerd/internal/domain"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func activeMarket(yesPool, noPool int64) domain.Market {
	return domain.Market{
		ID:      "mkt-1",
		Status:  domain.MarketStatusActive,
		YesPool: yesPool,
		NoPool:  noPool,
		EndsAt:  now.Add(24 * time.Hour),
	}
}

func freshInput(amount int64) Input {
	return Input{
		Choice: domain.ChoiceYes,
		Amount: amount,
		Now:    now,
		Market: activeMarket(0, 0),
	}
}

func TestEvaluate_FirstBetOnEmptyMarket(t *testing.T) {
	// Minimum bet on an untouched market passes every rule.
	res := Evaluate(freshInput(5*domain.MicroPerToken), DefaultLimits())
	assert.True(t, res.OK())
	assert.Empty(t, res.Violations)
}

func TestEvaluate_AmountBounds(t *testing.T) {
	l := DefaultLimits()

	res := Evaluate(freshInput(4*domain.MicroPerToken), l)
	assert.Contains(t, res.Codes(), CodeAmountBelowMin)

	res = Evaluate(freshInput(20_000*domain.MicroPerToken), l)
	assert.Contains(t, res.Codes(), CodeAmountAboveMax)

	res = Evaluate(freshInput(5*domain.MicroPerToken+1), l)
	assert.Contains(t, res.Codes(), CodeAmountNotWhole)
}

func TestEvaluate_MarketLiveness(t *testing.T) {
	l := DefaultLimits()

	in := freshInput(5 * domain.MicroPerToken)
	in.Market.Status = domain.MarketStatusClosed
	res := Evaluate(in, l)
	assert.Contains(t, res.Codes(), CodeMarketNotActive)

	in = freshInput(5 * domain.MicroPerToken)
	in.Market.EndsAt = now.Add(-time.Minute)
	res = Evaluate(in, l)
	assert.Contains(t, res.Codes(), CodeMarketExpired)
}

func TestEvaluate_WalletFlagged(t *testing.T) {
	in := freshInput(5 * domain.MicroPerToken)
	in.Flagged = true
	res := Evaluate(in, DefaultLimits())
	assert.Equal(t, []Code{CodeWalletFlagged}, res.Codes())
}

func TestEvaluate_Cooldown(t *testing.T) {
	l := DefaultLimits()
	in := freshInput(5 * domain.MicroPerToken)
	in.Market = activeMarket(100*domain.MicroPerToken, 100*domain.MicroPerToken)

	// A bet 10 seconds ago is inside the cooldown window.
	last := now.Add(-10 * time.Second)
	in.Activity = domain.WalletActivity{BetCount: 1, TotalStaked: 5 * domain.MicroPerToken, LastBetAt: &last}
	res := Evaluate(in, l)
	assert.Contains(t, res.Codes(), CodeCooldownNotMet)

	// Past the window, the same wallet may bet again.
	last = now.Add(-l.Cooldown - time.Second)
	in.Activity.LastBetAt = &last
	res = Evaluate(in, l)
	assert.True(t, res.OK(), "violations: %v", res.Violations)

	// No prior bet means no cooldown at all.
	in.Activity = domain.WalletActivity{}
	assert.True(t, Evaluate(in, l).OK())
}

func TestEvaluate_BetCountCap(t *testing.T) {
	l := DefaultLimits()
	in := freshInput(5 * domain.MicroPerToken)
	in.Market = activeMarket(500*domain.MicroPerToken, 500*domain.MicroPerToken)

	last := now.Add(-time.Hour)
	in.Activity = domain.WalletActivity{
		BetCount:    l.MaxBetsPerMarket,
		TotalStaked: 50 * domain.MicroPerToken,
		LastBetAt:   &last,
	}

	// The 11th bet is rejected even though every other parameter is valid.
	res := Evaluate(in, l)
	assert.Equal(t, []Code{CodeBetCountExceeded}, res.Codes())
}

func TestEvaluate_Concentration(t *testing.T) {
	l := DefaultLimits()

	t.Run("post-bet denominator", func(t *testing.T) {
		// Pool 100, wallet already staked 20, betting 40 more:
		// (20+40)/(100+40) = 42.8% > 30%.
		in := freshInput(40 * domain.MicroPerToken)
		in.Market = activeMarket(60*domain.MicroPerToken, 40*domain.MicroPerToken)
		last := now.Add(-time.Hour)
		in.Activity = domain.WalletActivity{BetCount: 2, TotalStaked: 20 * domain.MicroPerToken, LastBetAt: &last}
		res := Evaluate(in, l)
		assert.Contains(t, res.Codes(), CodeConcentrationExceeded)

		// 10 more: (20+10)/(100+10) = 27.3% <= 30%, allowed.
		in.Amount = 10 * domain.MicroPerToken
		assert.True(t, Evaluate(in, l).OK())
	})

	t.Run("bootstrap ceiling on empty pool", func(t *testing.T) {
		in := freshInput(l.BootstrapCeiling + domain.MicroPerToken)
		res := Evaluate(in, l)
		assert.Contains(t, res.Codes(), CodeConcentrationExceeded)

		in.Amount = l.BootstrapCeiling
		assert.True(t, Evaluate(in, l).OK())
	})
}

func TestEvaluate_Velocity(t *testing.T) {
	l := DefaultLimits()
	in := freshInput(5 * domain.MicroPerToken)
	in.Market = activeMarket(1_000*domain.MicroPerToken, 1_000*domain.MicroPerToken)

	last := now.Add(-l.Cooldown - time.Minute)
	stamps := make([]time.Time, l.MaxBetsPerWindow)
	for i := range stamps {
		stamps[i] = now.Add(-time.Duration(i+5) * time.Minute)
	}
	in.Activity = domain.WalletActivity{
		BetCount:     l.MaxBetsPerWindow,
		TotalStaked:  25 * domain.MicroPerToken,
		LastBetAt:    &last,
		RecentBetsAt: stamps,
	}
	res := Evaluate(in, l)
	assert.Contains(t, res.Codes(), CodeVelocityExceeded)

	// Timestamps outside the trailing window do not count.
	for i := range stamps {
		stamps[i] = now.Add(-l.VelocityWindow - time.Duration(i+1)*time.Minute)
	}
	in.Activity.RecentBetsAt = stamps
	assert.True(t, Evaluate(in, l).OK())
}

// Violations accumulate: a bet that breaks several rules reports all of
// them, not just the first.
func TestEvaluate_CollectsAllViolations(t *testing.T) {
	l := DefaultLimits()
	in := freshInput(1) // below min and not whole
	in.Market.Status = domain.MarketStatusResolved
	in.Market.EndsAt = now.Add(-time.Hour)
	in.Flagged = true

	res := Evaluate(in, l)
	codes := res.Codes()
	assert.Contains(t, codes, CodeAmountBelowMin)
	assert.Contains(t, codes, CodeAmountNotWhole)
	assert.Contains(t, codes, CodeMarketNotActive)
	assert.Contains(t, codes, CodeMarketExpired)
	assert.Contains(t, codes, CodeWalletFlagged)
	assert.False(t, res.OK())
}

// Under concurrent confirmation attempts serialized by the settlement
// lock, a wallet can never settle more than the cap. This simulates the
// serialized section: each accepted bet updates the shared activity state
// before the next evaluation, the way the settlement writer does inside
// its critical section.
func TestEvaluate_ConcurrentCapProperty(t *testing.T) {
	l := DefaultLimits()
	l.Cooldown = 0
	l.MaxBetsPerWindow = l.MaxBetsPerMarket + 5

	market := activeMarket(5_000*domain.MicroPerToken, 5_000*domain.MicroPerToken)

	var mu sync.Mutex
	activity := domain.WalletActivity{}
	accepted := 0

	const attempts = 40
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock() // the per-(wallet,market) critical section
			defer mu.Unlock()
			in := Input{
				Choice:   domain.ChoiceYes,
				Amount:   5 * domain.MicroPerToken,
				Now:      now,
				Market:   market,
				Activity: activity,
			}
			if Evaluate(in, l).OK() {
				accepted++
				activity.BetCount++
				activity.TotalStaked += in.Amount
				ts := now
				activity.LastBetAt = &ts
			}
		}()
	}
	wg.Wait()

	require.Equal(t, l.MaxBetsPerMarket, accepted)
}
