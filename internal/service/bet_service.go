// Package service implements the use-case layer: orchestration of ledger
// verification, policy evaluation, and atomic settlement over the domain
// store and cache interfaces.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wagermesh/wagerd/internal/domain"
	"github.com/wagermesh/wagerd/internal/ledger"
	"github.com/wagermesh/wagerd/internal/rules"
)

// TxVerifier authenticates a claimed bet-placement transaction against the
// chain.
type TxVerifier interface {
	Verify(ctx context.Context, txRef string, claim ledger.Claim) (ledger.Verified, error)
}

// Notifier delivers operator alerts. Satisfied by *notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// RuleViolationError is returned when policy evaluation rejects a confirm
// request. It carries every violated rule, not just the first.
type RuleViolationError struct {
	Violations []rules.Violation
}

func (e *RuleViolationError) Error() string {
	codes := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		codes[i] = string(v.Code)
	}
	return "service: bet rejected: " + strings.Join(codes, ", ")
}

// AsRuleViolationError unwraps err to a *RuleViolationError if one is in
// the chain.
func AsRuleViolationError(err error) (*RuleViolationError, bool) {
	var re *RuleViolationError
	ok := errors.As(err, &re)
	return re, ok
}

// ConfirmRequest is one wallet's claim that an on-chain bet placement
// succeeded and should be mirrored off-chain.
type ConfirmRequest struct {
	WalletAddress string
	MarketID      string
	Choice        domain.Choice
	Amount        int64 // micro-tokens
	TxRef         string
}

// ConfirmResult is the outcome of a successful (or duplicate) confirmation.
type ConfirmResult struct {
	Bet            domain.Bet
	AlreadySettled bool
}

// Default tuning for the settlement critical section.
const (
	defaultLockTTL      = 10 * time.Second
	defaultLockAttempts = 3
	defaultLockBackoff  = 150 * time.Millisecond
)

// BetService runs the confirm flow: verify the transaction on chain, then
// serialize with other confirmations for the same wallet and market, apply
// policy, and settle atomically.
type BetService struct {
	verifier TxVerifier
	locks    domain.LockManager
	markets  domain.MarketStore
	bets     domain.BetStore
	flags    domain.FlaggedWalletStore
	bus      domain.SignalBus
	notifier Notifier
	limits   rules.Limits
	logger   *slog.Logger

	lockTTL      time.Duration
	lockAttempts int
	lockBackoff  time.Duration
}

// NewBetService creates a BetService with all required dependencies.
func NewBetService(
	verifier TxVerifier,
	locks domain.LockManager,
	markets domain.MarketStore,
	bets domain.BetStore,
	flags domain.FlaggedWalletStore,
	bus domain.SignalBus,
	limits rules.Limits,
	logger *slog.Logger,
) *BetService {
	return &BetService{
		verifier:     verifier,
		locks:        locks,
		markets:      markets,
		bets:         bets,
		flags:        flags,
		bus:          bus,
		limits:       limits,
		logger:       logger,
		lockTTL:      defaultLockTTL,
		lockAttempts: defaultLockAttempts,
		lockBackoff:  defaultLockBackoff,
	}
}

// WithNotifier attaches an operator notifier. Without one, rejection alerts
// are only logged.
func (s *BetService) WithNotifier(n Notifier) *BetService {
	s.notifier = n
	return s
}

// ConfirmBet mirrors one on-chain bet placement into the off-chain store.
//
// Chain verification happens before the lock is taken: it is a pure read
// and holding the critical section across RPC latency would starve other
// confirmations for the same wallet. Everything the rule engine reads, and
// the settlement write, happen inside the lock.
//
// Error taxonomy for callers: *ledger.VerifyError for chain rejections,
// *RuleViolationError for policy rejections, domain.ErrContention when the
// critical section could not be entered, and domain sentinels otherwise.
// A duplicate TxRef is not an error: the prior bet comes back with
// AlreadySettled set.
func (s *BetService) ConfirmBet(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	if err := validateConfirm(req); err != nil {
		return ConfirmResult{}, err
	}

	verified, err := s.verifier.Verify(ctx, req.TxRef, ledger.Claim{
		MarketID: req.MarketID,
		Choice:   req.Choice,
		Amount:   req.Amount,
	})
	if err != nil {
		if ve, ok := ledger.AsVerifyError(err); ok {
			s.logger.InfoContext(ctx, "bet_service: chain verification failed",
				slog.String("tx_ref", req.TxRef),
				slog.String("wallet", req.WalletAddress),
				slog.String("code", string(ve.Code)),
			)
		}
		return ConfirmResult{}, err
	}

	unlock, err := s.acquireSettleLock(ctx, req.MarketID, req.WalletAddress)
	if err != nil {
		return ConfirmResult{}, err
	}
	defer unlock()

	market, err := s.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("bet_service: load market %q: %w", req.MarketID, err)
	}

	activity, err := s.bets.WalletActivity(ctx, req.WalletAddress, req.MarketID, s.limits.VelocityWindow)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("bet_service: load wallet activity: %w", err)
	}

	flagged, err := s.walletFlagged(ctx, req.WalletAddress, req.MarketID)
	if err != nil {
		return ConfirmResult{}, err
	}

	verdict := rules.Evaluate(rules.Input{
		Choice:   verified.Choice,
		Amount:   verified.Amount,
		Now:      time.Now().UTC(),
		Market:   market,
		Activity: activity,
		Flagged:  flagged,
	}, s.limits)
	if !verdict.OK() {
		s.rejected(ctx, req, verdict)
		return ConfirmResult{}, &RuleViolationError{Violations: verdict.Violations}
	}

	res, err := s.bets.Settle(ctx, domain.SettleParams{
		WalletAddress: req.WalletAddress,
		MarketID:      req.MarketID,
		Choice:        verified.Choice,
		Amount:        verified.Amount,
		TxRef:         req.TxRef,
		BlockNumber:   verified.BlockNumber,
	})
	if err != nil {
		return ConfirmResult{}, err
	}

	if res.AlreadySettled {
		s.logger.InfoContext(ctx, "bet_service: duplicate confirmation",
			slog.String("tx_ref", req.TxRef),
			slog.String("bet_id", res.Bet.ID),
		)
		return ConfirmResult{Bet: res.Bet, AlreadySettled: true}, nil
	}

	s.publish(ctx, "bets", map[string]any{
		"event":      "bet_settled",
		"bet_id":     res.Bet.ID,
		"market_id":  res.Bet.MarketID,
		"wallet":     res.Bet.WalletAddress,
		"choice":     string(res.Bet.Choice),
		"amount":     res.Bet.Amount,
		"bet_number": res.Bet.BetNumber,
		"tx_ref":     res.Bet.TxRef,
	})

	s.logger.InfoContext(ctx, "bet_service: bet settled",
		slog.String("bet_id", res.Bet.ID),
		slog.String("market_id", res.Bet.MarketID),
		slog.String("wallet", res.Bet.WalletAddress),
		slog.String("choice", string(res.Bet.Choice)),
		slog.Int64("amount", res.Bet.Amount),
		slog.Int("bet_number", res.Bet.BetNumber),
		slog.Uint64("confirmations", verified.Confirmations),
	)

	return ConfirmResult{Bet: res.Bet}, nil
}

// GetBet retrieves a single bet by ID.
func (s *BetService) GetBet(ctx context.Context, id string) (domain.Bet, error) {
	bet, err := s.bets.GetByID(ctx, id)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("bet_service: get bet %q: %w", id, err)
	}
	return bet, nil
}

// GetBetByTxRef retrieves the bet settled for the given transaction
// reference.
func (s *BetService) GetBetByTxRef(ctx context.Context, txRef string) (domain.Bet, error) {
	bet, err := s.bets.GetByTxRef(ctx, txRef)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("bet_service: get bet by tx ref %q: %w", txRef, err)
	}
	return bet, nil
}

// ListBets returns one page of a wallet's bets plus the total count across
// all pages, optionally scoped to one market.
func (s *BetService) ListBets(ctx context.Context, wallet, marketID string, opts domain.ListOpts) ([]domain.Bet, int64, error) {
	bets, err := s.bets.ListByWallet(ctx, wallet, marketID, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("bet_service: list bets for %q: %w", wallet, err)
	}
	total, err := s.bets.CountByWallet(ctx, wallet, marketID)
	if err != nil {
		return nil, 0, fmt.Errorf("bet_service: count bets for %q: %w", wallet, err)
	}
	return bets, total, nil
}

// acquireSettleLock enters the per-wallet-per-market critical section,
// retrying a bounded number of times when another confirmation holds it.
// Exhausting the attempts maps to domain.ErrContention so the transport
// layer can tell the caller to retry.
func (s *BetService) acquireSettleLock(ctx context.Context, marketID, wallet string) (func(), error) {
	key := fmt.Sprintf("settle:%s:%s", marketID, strings.ToLower(wallet))

	var lastErr error
	for attempt := 0; attempt < s.lockAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.lockBackoff * time.Duration(attempt)):
			}
		}

		unlock, err := s.locks.Acquire(ctx, key, s.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("bet_service: acquire settle lock: %w", err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("bet_service: settle lock busy for %s: %w (%v)", key, domain.ErrContention, lastErr)
}

// walletFlagged reports whether an unexpired flag exists for the wallet on
// this market. A missing row means not flagged.
func (s *BetService) walletFlagged(ctx context.Context, wallet, marketID string) (bool, error) {
	flag, err := s.flags.Get(ctx, wallet, marketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("bet_service: load wallet flag: %w", err)
	}
	return flag.IsActive, nil
}

// rejected publishes and logs a policy rejection, and alerts operators via
// the notifier when one is attached. Rejections leave no store state behind.
func (s *BetService) rejected(ctx context.Context, req ConfirmRequest, verdict rules.Result) {
	codes := make([]string, len(verdict.Violations))
	for i, v := range verdict.Violations {
		codes[i] = string(v.Code)
	}

	s.publish(ctx, "bets", map[string]any{
		"event":     "bet_rejected",
		"market_id": req.MarketID,
		"wallet":    req.WalletAddress,
		"tx_ref":    req.TxRef,
		"codes":     codes,
	})

	s.logger.InfoContext(ctx, "bet_service: bet rejected",
		slog.String("market_id", req.MarketID),
		slog.String("wallet", req.WalletAddress),
		slog.String("tx_ref", req.TxRef),
		slog.Any("codes", codes),
	)

	if s.notifier != nil {
		msg := fmt.Sprintf("wallet %s on market %s: %s (tx %s)",
			req.WalletAddress, req.MarketID, strings.Join(codes, ", "), req.TxRef)
		if err := s.notifier.Notify(ctx, "bet_rejected", "Bet rejected", msg); err != nil {
			s.logger.WarnContext(ctx, "bet_service: notify failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// publish marshals and publishes a bus event; failures are logged, never
// propagated, since the settlement already committed.
func (s *BetService) publish(ctx context.Context, channel string, event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.WarnContext(ctx, "bet_service: marshal event failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "bet_service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func validateConfirm(req ConfirmRequest) error {
	switch {
	case req.WalletAddress == "":
		return fmt.Errorf("bet_service: wallet address is required: %w", domain.ErrInvalidRequest)
	case req.MarketID == "":
		return fmt.Errorf("bet_service: market id is required: %w", domain.ErrInvalidRequest)
	case req.TxRef == "":
		return fmt.Errorf("bet_service: tx ref is required: %w", domain.ErrInvalidRequest)
	case !req.Choice.Valid():
		return fmt.Errorf("bet_service: invalid choice %q: %w", req.Choice, domain.ErrInvalidRequest)
	case req.Amount <= 0:
		return fmt.Errorf("bet_service: amount must be positive: %w", domain.ErrInvalidRequest)
	}
	return nil
}
