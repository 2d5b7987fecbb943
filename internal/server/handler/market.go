package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wagermesh/wagerd/internal/domain"
)

// MarketService defines what the market endpoints need from the service
// layer.
type MarketService interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	PoolHistory(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PoolSnapshot, error)
	SyncMarkets(ctx context.Context, markets []domain.Market) error
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

// marketResponse is the wire form of a market. Pools are decimal token
// strings.
type marketResponse struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Status    string `json:"status"`
	Winner    string `json:"winner,omitempty"`
	YesPool   string `json:"yes_pool"`
	NoPool    string `json:"no_pool"`
	TotalPool string `json:"total_pool"`
	StartsAt  string `json:"starts_at"`
	EndsAt    string `json:"ends_at"`
}

func toMarketResponse(m domain.Market) marketResponse {
	return marketResponse{
		ID:        m.ID,
		Question:  m.Question,
		Status:    string(m.Status),
		Winner:    string(m.Winner),
		YesPool:   domain.FormatAmount(m.YesPool),
		NoPool:    domain.FormatAmount(m.NoPool),
		TotalPool: domain.FormatAmount(m.TotalPool()),
		StartsAt:  m.StartsAt.UTC().Format(time.RFC3339),
		EndsAt:    m.EndsAt.UTC().Format(time.RFC3339),
	}
}

// ListMarkets returns active markets with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.ListActive(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	out := make([]marketResponse, len(markets))
	for i, m := range markets {
		out[i] = toMarketResponse(m)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"markets": out,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, toMarketResponse(market))
}

// syncMarketRequest is one market in the admin-feed sync payload. Pool
// fields are absent on purpose; pools belong to the settlement path.
type syncMarketRequest struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Status   string `json:"status"`
	Winner   string `json:"winner,omitempty"`
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
}

// SyncMarkets upserts market metadata from the administration feed.
// POST /api/markets/sync {"markets": [...]}
func (h *MarketHandler) SyncMarkets(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Markets []syncMarketRequest `json:"markets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Markets) == 0 {
		writeError(w, http.StatusBadRequest, "markets must not be empty")
		return
	}

	markets := make([]domain.Market, 0, len(body.Markets))
	for _, m := range body.Markets {
		parsed, err := toSyncMarket(m)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		markets = append(markets, parsed)
	}

	if err := h.markets.SyncMarkets(r.Context(), markets); err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: sync markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to sync markets")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"synced": len(markets)})
}

func toSyncMarket(m syncMarketRequest) (domain.Market, error) {
	if m.ID == "" {
		return domain.Market{}, fmt.Errorf("market id must not be empty")
	}
	status := domain.MarketStatus(m.Status)
	switch status {
	case domain.MarketStatusActive, domain.MarketStatusClosed, domain.MarketStatusResolved:
	default:
		return domain.Market{}, fmt.Errorf("market %s: unknown status %q", m.ID, m.Status)
	}
	winner := domain.Choice(m.Winner)
	if winner != "" && winner != domain.ChoiceYes && winner != domain.ChoiceNo {
		return domain.Market{}, fmt.Errorf("market %s: unknown winner %q", m.ID, m.Winner)
	}
	startsAt, err := time.Parse(time.RFC3339, m.StartsAt)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market %s: invalid starts_at", m.ID)
	}
	endsAt, err := time.Parse(time.RFC3339, m.EndsAt)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market %s: invalid ends_at", m.ID)
	}
	return domain.Market{
		ID:       m.ID,
		Question: m.Question,
		Status:   status,
		Winner:   winner,
		StartsAt: startsAt,
		EndsAt:   endsAt,
	}, nil
}

// PoolHistory returns the snapshot trail for a market, newest first.
// GET /api/markets/{id}/history?limit=50&offset=0
func (h *MarketHandler) PoolHistory(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	snaps, err := h.markets.PoolHistory(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: pool history failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load pool history")
		return
	}

	type snapshotResponse struct {
		YesPool   string `json:"yes_pool"`
		NoPool    string `json:"no_pool"`
		TotalBets int    `json:"total_bets"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]snapshotResponse, len(snaps))
	for i, s := range snaps {
		out[i] = snapshotResponse{
			YesPool:   domain.FormatAmount(s.YesPool),
			NoPool:    domain.FormatAmount(s.NoPool),
			TotalBets: s.TotalBets,
			CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"history":   out,
	})
}
