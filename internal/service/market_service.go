package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wagermesh/wagerd/internal/domain"
)

// MarketService serves market reads through a cache and handles metadata
// sync from the market administration feed.
type MarketService struct {
	markets   domain.MarketStore
	snapshots domain.SnapshotStore
	cache     domain.MarketCache
	logger    *slog.Logger
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(
	markets domain.MarketStore,
	snapshots domain.SnapshotStore,
	cache domain.MarketCache,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets:   markets,
		snapshots: snapshots,
		cache:     cache,
		logger:    logger,
	}
}

// SyncMarkets upserts a batch of markets and invalidates their cache
// entries so subsequent reads pick up fresh data. Status transitions must
// be forward-only; a backward transition rejects the whole batch. Re-syncing
// a market at its current status is a no-op transition and always allowed.
func (s *MarketService) SyncMarkets(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}

	for _, m := range markets {
		existing, err := s.markets.GetByID(ctx, m.ID)
		if err == nil && existing.Status != m.Status && !existing.CanTransition(m.Status) {
			return fmt.Errorf("market_service: market %s cannot move %s -> %s: %w",
				m.ID, existing.Status, m.Status, domain.ErrInvalidRequest)
		}

		if err := s.markets.Upsert(ctx, m); err != nil {
			return fmt.Errorf("market_service: upsert market %s: %w", m.ID, err)
		}

		if err := s.cache.Invalidate(ctx, m.ID); err != nil {
			s.logger.WarnContext(ctx, "market_service: cache invalidate failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			// Non-fatal: the entry expires on its own.
		}
	}

	s.logger.InfoContext(ctx, "market_service: synced markets",
		slog.Int("count", len(markets)),
	)

	return nil
}

// GetMarket retrieves a market by ID, cache first, store on a miss.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.cache.Get(ctx, id)
	if err == nil {
		return m, nil
	}

	m, err = s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get by id %q: %w", id, err)
	}

	if cacheErr := s.cache.Set(ctx, m); cacheErr != nil {
		s.logger.WarnContext(ctx, "market_service: cache set failed",
			slog.String("market_id", id),
			slog.String("error", cacheErr.Error()),
		)
	}

	return m, nil
}

// ListActive returns active markets directly from the persistent store.
func (s *MarketService) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.ListActive(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list active: %w", err)
	}
	return markets, nil
}

// PoolHistory returns the snapshot trail for one market, newest first.
func (s *MarketService) PoolHistory(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PoolSnapshot, error) {
	snaps, err := s.snapshots.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: pool history for %q: %w", marketID, err)
	}
	return snaps, nil
}
