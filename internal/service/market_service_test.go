package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagermesh/wagerd/internal/domain"
)

type stubMarketStore struct {
	markets map[string]domain.Market
	upserts int
}

func newStubMarketStore(markets ...domain.Market) *stubMarketStore {
	s := &stubMarketStore{markets: make(map[string]domain.Market)}
	for _, m := range markets {
		s.markets[m.ID] = m
	}
	return s
}

func (s *stubMarketStore) Upsert(_ context.Context, m domain.Market) error {
	s.upserts++
	s.markets[m.ID] = m
	return nil
}

func (s *stubMarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *stubMarketStore) ListActive(_ context.Context, _ domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range s.markets {
		if m.Status == domain.MarketStatusActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *stubMarketStore) Count(_ context.Context) (int64, error) {
	return int64(len(s.markets)), nil
}

type stubSnapshotStore struct {
	snaps []domain.PoolSnapshot
}

func (s *stubSnapshotStore) Latest(_ context.Context, _ string) (domain.PoolSnapshot, error) {
	if len(s.snaps) == 0 {
		return domain.PoolSnapshot{}, domain.ErrNotFound
	}
	return s.snaps[len(s.snaps)-1], nil
}

func (s *stubSnapshotStore) ListByMarket(_ context.Context, marketID string, _ domain.ListOpts) ([]domain.PoolSnapshot, error) {
	var out []domain.PoolSnapshot
	for _, snap := range s.snaps {
		if snap.MarketID == marketID {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *stubSnapshotStore) ListArchivable(_ context.Context, _ int) ([]domain.PoolSnapshot, error) {
	return nil, nil
}

func (s *stubSnapshotStore) Delete(_ context.Context, _ []int64) error { return nil }

type stubMarketCache struct {
	entries     map[string]domain.Market
	invalidated []string
}

func newStubMarketCache() *stubMarketCache {
	return &stubMarketCache{entries: make(map[string]domain.Market)}
}

func (c *stubMarketCache) Get(_ context.Context, id string) (domain.Market, error) {
	m, ok := c.entries[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *stubMarketCache) Set(_ context.Context, m domain.Market) error {
	c.entries[m.ID] = m
	return nil
}

func (c *stubMarketCache) Invalidate(_ context.Context, id string) error {
	c.invalidated = append(c.invalidated, id)
	delete(c.entries, id)
	return nil
}

func marketServiceFixture(markets ...domain.Market) (*MarketService, *stubMarketStore, *stubMarketCache) {
	store := newStubMarketStore(markets...)
	cache := newStubMarketCache()
	svc := NewMarketService(store, &stubSnapshotStore{}, cache, slog.New(slog.DiscardHandler))
	return svc, store, cache
}

func syncMarket(status domain.MarketStatus) domain.Market {
	now := time.Now().UTC()
	return domain.Market{
		ID:       "mkt-1",
		Question: "does the line hold",
		Status:   status,
		StartsAt: now.Add(-time.Hour),
		EndsAt:   now.Add(time.Hour),
	}
}

func TestMarketService_SyncUnchangedStatusIsNoOpTransition(t *testing.T) {
	svc, store, cache := marketServiceFixture()

	m := syncMarket(domain.MarketStatusActive)
	require.NoError(t, svc.SyncMarkets(context.Background(), []domain.Market{m}))

	// The periodic admin feed re-sends unchanged markets; a second pass at
	// the same status must upsert, not reject.
	m.Question = "does the line hold (updated)"
	require.NoError(t, svc.SyncMarkets(context.Background(), []domain.Market{m}))

	assert.Equal(t, 2, store.upserts)
	got, err := store.GetByID(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, "does the line hold (updated)", got.Question)
	assert.Contains(t, cache.invalidated, "mkt-1")
}

func TestMarketService_SyncRejectsBackwardTransition(t *testing.T) {
	svc, store, _ := marketServiceFixture(syncMarket(domain.MarketStatusResolved))

	err := svc.SyncMarkets(context.Background(), []domain.Market{syncMarket(domain.MarketStatusActive)})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Equal(t, 0, store.upserts)
}

func TestMarketService_SyncAllowsForwardTransition(t *testing.T) {
	svc, store, _ := marketServiceFixture(syncMarket(domain.MarketStatusActive))

	closed := syncMarket(domain.MarketStatusClosed)
	require.NoError(t, svc.SyncMarkets(context.Background(), []domain.Market{closed}))
	got, err := store.GetByID(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, got.Status)
}

func TestMarketService_GetMarketBackfillsCache(t *testing.T) {
	svc, _, cache := marketServiceFixture(syncMarket(domain.MarketStatusActive))

	got, err := svc.GetMarket(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, "mkt-1", got.ID)

	cached, err := cache.Get(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, got, cached)
}
