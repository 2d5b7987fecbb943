package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLockHeld       = errors.New("lock already held")
	ErrContention     = errors.New("settlement contention")
	ErrMarketNotLive  = errors.New("market not accepting bets")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrStoreTimeout   = errors.New("store operation timed out")
	ErrLedgerTimeout  = errors.New("ledger call timed out")
	ErrInvalidRequest = errors.New("invalid request parameters")
)

// Retryable reports whether the caller may retry the failed operation
// without changing its parameters. Only contention and timeout classes
// qualify; verification and policy failures are deterministic.
func Retryable(err error) bool {
	return errors.Is(err, ErrContention) ||
		errors.Is(err, ErrStoreTimeout) ||
		errors.Is(err, ErrLedgerTimeout) ||
		errors.Is(err, ErrRateLimited)
}
