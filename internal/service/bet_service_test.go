package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagermesh/wagerd/internal/domain"
	"github.com/wagermesh/wagerd/internal/ledger"
	"github.com/wagermesh/wagerd/internal/rules"
)

// ---------------------------------------------------------------------------
// stubs
// ---------------------------------------------------------------------------

type stubVerifier struct {
	verified ledger.Verified
	err      error
}

func (s *stubVerifier) Verify(_ context.Context, _ string, _ ledger.Claim) (ledger.Verified, error) {
	if s.err != nil {
		return ledger.Verified{}, s.err
	}
	return s.verified, nil
}

type stubLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	failWith error
	acquired int
}

func newStubLocks() *stubLocks {
	return &stubLocks{held: make(map[string]bool)}
}

func (s *stubLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	if s.held[key] {
		return nil, domain.ErrLockHeld
	}
	s.held[key] = true
	s.acquired++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.held, key)
	}, nil
}

type stubMarkets struct {
	markets map[string]domain.Market
}

func (s *stubMarkets) Upsert(_ context.Context, m domain.Market) error {
	s.markets[m.ID] = m
	return nil
}

func (s *stubMarkets) GetByID(_ context.Context, id string) (domain.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *stubMarkets) ListActive(_ context.Context, _ domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range s.markets {
		if m.Status == domain.MarketStatusActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *stubMarkets) Count(_ context.Context) (int64, error) {
	return int64(len(s.markets)), nil
}

type stubBets struct {
	mu       sync.Mutex
	byTxRef  map[string]domain.Bet
	activity domain.WalletActivity
	nextID   int
}

func newStubBets() *stubBets {
	return &stubBets{byTxRef: make(map[string]domain.Bet)}
}

func (s *stubBets) Settle(_ context.Context, p domain.SettleParams) (domain.SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byTxRef[p.TxRef]; ok {
		return domain.SettleResult{Bet: existing, AlreadySettled: true}, nil
	}
	s.nextID++
	bet := domain.Bet{
		ID:            fmt.Sprintf("bet-%d", s.nextID),
		WalletAddress: p.WalletAddress,
		MarketID:      p.MarketID,
		Choice:        p.Choice,
		Amount:        p.Amount,
		BetNumber:     s.nextID,
		Status:        domain.BetStatusConfirmed,
		TxRef:         p.TxRef,
		BlockNumber:   p.BlockNumber,
		CreatedAt:     time.Now().UTC(),
	}
	s.byTxRef[p.TxRef] = bet
	return domain.SettleResult{Bet: bet}, nil
}

func (s *stubBets) GetByID(_ context.Context, id string) (domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.byTxRef {
		if b.ID == id {
			return b, nil
		}
	}
	return domain.Bet{}, domain.ErrNotFound
}

func (s *stubBets) GetByTxRef(_ context.Context, txRef string) (domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byTxRef[txRef]
	if !ok {
		return domain.Bet{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *stubBets) ListByWallet(_ context.Context, wallet, marketID string, _ domain.ListOpts) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bet
	for _, b := range s.byTxRef {
		if b.WalletAddress == wallet && (marketID == "" || b.MarketID == marketID) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *stubBets) CountByWallet(_ context.Context, wallet, marketID string) (int64, error) {
	bets, _ := s.ListByWallet(context.Background(), wallet, marketID, domain.ListOpts{})
	return int64(len(bets)), nil
}

func (s *stubBets) WalletActivity(_ context.Context, _, _ string, _ time.Duration) (domain.WalletActivity, error) {
	return s.activity, nil
}

func (s *stubBets) UpdateStatus(_ context.Context, _ string, _ domain.BetStatus) error {
	return nil
}

type stubFlags struct {
	flags map[string]domain.FlaggedWallet // wallet|market
}

func (s *stubFlags) Get(_ context.Context, wallet, marketID string) (domain.FlaggedWallet, error) {
	f, ok := s.flags[wallet+"|"+marketID]
	if !ok {
		return domain.FlaggedWallet{}, domain.ErrNotFound
	}
	return f, nil
}

func (s *stubFlags) ListActive(_ context.Context, _ string) ([]domain.FlaggedWallet, error) {
	return nil, nil
}

type stubBus struct {
	mu        sync.Mutex
	published []string // channel:payload
}

func (s *stubBus) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, channel+":"+string(payload))
	return nil
}

func (s *stubBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	svc      *BetService
	verifier *stubVerifier
	locks    *stubLocks
	markets  *stubMarkets
	bets     *stubBets
	flags    *stubFlags
	bus      *stubBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		verifier: &stubVerifier{
			verified: ledger.Verified{
				Choice:        domain.ChoiceYes,
				Amount:        100 * domain.MicroPerToken,
				BlockNumber:   500,
				Confirmations: 6,
			},
		},
		locks: newStubLocks(),
		markets: &stubMarkets{markets: map[string]domain.Market{
			"mkt-1": {
				ID:      "mkt-1",
				Status:  domain.MarketStatusActive,
				YesPool: 5_000 * domain.MicroPerToken,
				NoPool:  5_000 * domain.MicroPerToken,
				EndsAt:  time.Now().Add(24 * time.Hour),
			},
		}},
		bets:  newStubBets(),
		flags: &stubFlags{flags: make(map[string]domain.FlaggedWallet)},
		bus:   &stubBus{},
	}

	f.svc = NewBetService(
		f.verifier, f.locks, f.markets, f.bets, f.flags, f.bus,
		rules.DefaultLimits(),
		slog.New(slog.NewTextHandler(testWriter{t}, nil)),
	)
	return f
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func confirmReq() ConfirmRequest {
	return ConfirmRequest{
		WalletAddress: "0xabc0000000000000000000000000000000000001",
		MarketID:      "mkt-1",
		Choice:        domain.ChoiceYes,
		Amount:        100 * domain.MicroPerToken,
		TxRef:         "0xdead01",
	}
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestConfirmBet_Settles(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.ConfirmBet(context.Background(), confirmReq())
	require.NoError(t, err)

	assert.False(t, res.AlreadySettled)
	assert.Equal(t, domain.BetStatusConfirmed, res.Bet.Status)
	assert.Equal(t, int64(100*domain.MicroPerToken), res.Bet.Amount)
	assert.Equal(t, uint64(500), res.Bet.BlockNumber)

	require.Len(t, f.bus.published, 1)
	assert.Contains(t, f.bus.published[0], "bet_settled")

	// Lock was taken and released.
	assert.Equal(t, 1, f.locks.acquired)
	assert.Empty(t, f.locks.held)
}

func TestConfirmBet_DuplicateTxRef(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.ConfirmBet(context.Background(), confirmReq())
	require.NoError(t, err)

	second, err := f.svc.ConfirmBet(context.Background(), confirmReq())
	require.NoError(t, err)

	assert.True(t, second.AlreadySettled)
	assert.Equal(t, first.Bet.ID, second.Bet.ID)

	// Only the first settlement published an event.
	assert.Len(t, f.bus.published, 1)
}

func TestConfirmBet_UsesVerifiedValuesNotClaim(t *testing.T) {
	f := newFixture(t)

	// The chain said 100 tokens on yes; the claim within tolerance is what
	// got verified, but the settled row must carry the decoded values.
	req := confirmReq()
	req.Amount = 100*domain.MicroPerToken + 1

	res, err := f.svc.ConfirmBet(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(100*domain.MicroPerToken), res.Bet.Amount)
}

func TestConfirmBet_VerificationFailurePassesThrough(t *testing.T) {
	f := newFixture(t)
	f.verifier.err = &ledger.VerifyError{Code: ledger.CodeReverted, Detail: "status 0"}

	_, err := f.svc.ConfirmBet(context.Background(), confirmReq())
	require.Error(t, err)

	ve, ok := ledger.AsVerifyError(err)
	require.True(t, ok)
	assert.Equal(t, ledger.CodeReverted, ve.Code)

	// No event, no settlement.
	assert.Empty(t, f.bus.published)
	assert.Empty(t, f.bets.byTxRef)
}

func TestConfirmBet_RuleRejection(t *testing.T) {
	f := newFixture(t)
	lastBet := time.Now().UTC().Add(-10 * time.Second)
	f.bets.activity = domain.WalletActivity{
		BetCount:  3,
		LastBetAt: &lastBet,
	}

	_, err := f.svc.ConfirmBet(context.Background(), confirmReq())
	require.Error(t, err)

	re, ok := AsRuleViolationError(err)
	require.True(t, ok)
	require.Len(t, re.Violations, 1)
	assert.Equal(t, rules.CodeCooldownNotMet, re.Violations[0].Code)

	// A rejection event was published, and nothing was settled.
	require.Len(t, f.bus.published, 1)
	assert.Contains(t, f.bus.published[0], "bet_rejected")
	assert.Empty(t, f.bets.byTxRef)
}

func TestConfirmBet_FlaggedWallet(t *testing.T) {
	f := newFixture(t)
	req := confirmReq()
	f.flags.flags[req.WalletAddress+"|"+req.MarketID] = domain.FlaggedWallet{
		WalletAddress: req.WalletAddress,
		MarketID:      req.MarketID,
		IsActive:      true,
	}

	_, err := f.svc.ConfirmBet(context.Background(), req)
	re, ok := AsRuleViolationError(err)
	require.True(t, ok)
	assert.Equal(t, rules.CodeWalletFlagged, re.Violations[0].Code)
}

func TestConfirmBet_InactiveFlagIgnored(t *testing.T) {
	f := newFixture(t)
	req := confirmReq()
	f.flags.flags[req.WalletAddress+"|"+req.MarketID] = domain.FlaggedWallet{
		WalletAddress: req.WalletAddress,
		MarketID:      req.MarketID,
		IsActive:      false,
	}

	_, err := f.svc.ConfirmBet(context.Background(), req)
	require.NoError(t, err)
}

func TestConfirmBet_LockContention(t *testing.T) {
	f := newFixture(t)
	f.svc.lockBackoff = time.Millisecond

	// Hold the lock for the whole test so every attempt fails.
	unlock, err := f.locks.Acquire(context.Background(),
		"settle:mkt-1:0xabc0000000000000000000000000000000000001", time.Minute)
	require.NoError(t, err)
	defer unlock()

	_, err = f.svc.ConfirmBet(context.Background(), confirmReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrContention)
	assert.Empty(t, f.bets.byTxRef)
}

func TestConfirmBet_MarketMissing(t *testing.T) {
	f := newFixture(t)
	req := confirmReq()
	req.MarketID = "mkt-unknown"
	// The verifier stub accepts any claim, so the miss surfaces at the
	// store read inside the lock.
	_, err := f.svc.ConfirmBet(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfirmBet_Validation(t *testing.T) {
	f := newFixture(t)

	cases := map[string]func(*ConfirmRequest){
		"missing wallet": func(r *ConfirmRequest) { r.WalletAddress = "" },
		"missing market": func(r *ConfirmRequest) { r.MarketID = "" },
		"missing tx ref": func(r *ConfirmRequest) { r.TxRef = "" },
		"bad choice":     func(r *ConfirmRequest) { r.Choice = "maybe" },
		"zero amount":    func(r *ConfirmRequest) { r.Amount = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := confirmReq()
			mutate(&req)
			_, err := f.svc.ConfirmBet(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}
}

func TestConfirmBet_ConcurrentSameTxRef(t *testing.T) {
	f := newFixture(t)
	f.svc.lockBackoff = time.Millisecond
	f.svc.lockAttempts = 50

	const workers = 8
	var wg sync.WaitGroup
	results := make([]ConfirmResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.ConfirmBet(context.Background(), confirmReq())
		}(i)
	}
	wg.Wait()

	settled := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			// Contention is the only acceptable failure here.
			assert.ErrorIs(t, errs[i], domain.ErrContention)
			continue
		}
		if !results[i].AlreadySettled {
			settled++
		}
	}

	assert.Equal(t, 1, settled, "exactly one confirmation settles a tx ref")
	assert.Len(t, f.bets.byTxRef, 1)
}

func TestGetBetByTxRef(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.ConfirmBet(context.Background(), confirmReq())
	require.NoError(t, err)

	got, err := f.svc.GetBetByTxRef(context.Background(), "0xdead01")
	require.NoError(t, err)
	assert.Equal(t, res.Bet.ID, got.ID)

	_, err = f.svc.GetBetByTxRef(context.Background(), "0xmissing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestListBets_ReturnsTotalAcrossPages(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		req := confirmReq()
		req.TxRef = fmt.Sprintf("0xdead0%d", i)
		_, err := f.svc.ConfirmBet(context.Background(), req)
		require.NoError(t, err)
	}

	bets, total, err := f.svc.ListBets(context.Background(),
		confirmReq().WalletAddress, "mkt-1", domain.ListOpts{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, bets, 3)
	assert.Equal(t, int64(3), total)

	// The total counts the whole wallet history, not the returned page.
	_, total, err = f.svc.ListBets(context.Background(),
		confirmReq().WalletAddress, "", domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}
