package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking. The settlement path keys locks
// by (market, wallet) so concurrent confirmations from the same wallet on
// the same market serialize their read-rules-then-write window.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// MarketCache is a read-through cache for market metadata. Pool totals read
// through it may lag the store by the TTL; the settlement path never reads
// the cache.
type MarketCache interface {
	Get(ctx context.Context, id string) (Market, error)
	Set(ctx context.Context, market Market) error
	Invalidate(ctx context.Context, id string) error
}

// SignalBus provides pub/sub fan-out of settlement events to out-of-process
// consumers. The broadcast hub does not consume it; hub change detection
// polls the store.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
