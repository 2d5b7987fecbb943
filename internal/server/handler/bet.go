package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/wagermesh/wagerd/internal/domain"
	"github.com/wagermesh/wagerd/internal/ledger"
	"github.com/wagermesh/wagerd/internal/service"
)

// BetService defines what the bet endpoints need from the service layer.
type BetService interface {
	ConfirmBet(ctx context.Context, req service.ConfirmRequest) (service.ConfirmResult, error)
	GetBet(ctx context.Context, id string) (domain.Bet, error)
	ListBets(ctx context.Context, wallet, marketID string, opts domain.ListOpts) ([]domain.Bet, int64, error)
}

// BetHandler serves bet-related HTTP endpoints.
type BetHandler struct {
	bets   BetService
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler with the given service and logger.
func NewBetHandler(bets BetService, logger *slog.Logger) *BetHandler {
	return &BetHandler{
		bets:   bets,
		logger: logger,
	}
}

// confirmBetRequest is the wire form of a confirmation. Amount is a decimal
// token string ("100" or "100.000001") to keep precision independent of
// JSON number handling.
type confirmBetRequest struct {
	WalletAddress string `json:"wallet_address"`
	MarketID      string `json:"market_id"`
	Choice        string `json:"choice"`
	Amount        string `json:"amount"`
	TxRef         string `json:"tx_ref"`
}

// betResponse is the wire form of a settled bet.
type betResponse struct {
	ID            string `json:"id"`
	WalletAddress string `json:"wallet_address"`
	MarketID      string `json:"market_id"`
	Choice        string `json:"choice"`
	Amount        string `json:"amount"`
	BetNumber     int    `json:"bet_number"`
	Status        string `json:"status"`
	TxRef         string `json:"tx_ref"`
	BlockNumber   uint64 `json:"block_number"`
	CreatedAt     string `json:"created_at"`
}

func toBetResponse(b domain.Bet) betResponse {
	return betResponse{
		ID:            b.ID,
		WalletAddress: b.WalletAddress,
		MarketID:      b.MarketID,
		Choice:        string(b.Choice),
		Amount:        domain.FormatAmount(b.Amount),
		BetNumber:     b.BetNumber,
		Status:        string(b.Status),
		TxRef:         b.TxRef,
		BlockNumber:   b.BlockNumber,
		CreatedAt:     b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ConfirmBet verifies a claimed on-chain bet and settles it off chain.
// POST /api/bets/confirm
//
// Status codes: 201 on settlement, 200 when the tx ref was already
// settled, 202 when the transaction is still pending on chain, 422 when
// verification or policy rejects it, 503 when the settlement critical
// section stayed contended.
func (h *BetHandler) ConfirmBet(w http.ResponseWriter, r *http.Request) {
	var body confirmBetRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	amount, err := domain.ParseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount: "+err.Error())
		return
	}

	res, err := h.bets.ConfirmBet(r.Context(), service.ConfirmRequest{
		WalletAddress: body.WalletAddress,
		MarketID:      body.MarketID,
		Choice:        domain.Choice(body.Choice),
		Amount:        amount,
		TxRef:         body.TxRef,
	})
	if err != nil {
		h.writeConfirmError(w, r, body, err)
		return
	}

	status := http.StatusCreated
	if res.AlreadySettled {
		status = http.StatusOK
	}

	writeJSON(w, status, map[string]any{
		"bet":             toBetResponse(res.Bet),
		"already_settled": res.AlreadySettled,
	})
}

// writeConfirmError maps the confirm-flow error taxonomy onto HTTP.
func (h *BetHandler) writeConfirmError(w http.ResponseWriter, r *http.Request, body confirmBetRequest, err error) {
	if ve, ok := ledger.AsVerifyError(err); ok {
		if ve.Code == ledger.CodePending {
			// Not a rejection: the caller retries once the tx is mined.
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status": "pending",
				"code":   ve.Code,
				"tx_ref": body.TxRef,
			})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "transaction verification failed",
			"code":   ve.Code,
			"detail": ve.Detail,
		})
		return
	}

	if re, ok := service.AsRuleViolationError(err); ok {
		violations := make([]map[string]string, len(re.Violations))
		for i, v := range re.Violations {
			violations[i] = map[string]string{
				"code":   string(v.Code),
				"detail": v.Detail,
			}
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "bet rejected by policy",
			"violations": violations,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "market not found")
	case errors.Is(err, domain.ErrContention):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "settlement busy, retry")
	case errors.Is(err, domain.ErrStoreTimeout), errors.Is(err, domain.ErrLedgerTimeout):
		writeError(w, http.StatusGatewayTimeout, "upstream timeout")
	default:
		h.logger.ErrorContext(r.Context(), "handler: confirm bet failed",
			slog.String("tx_ref", body.TxRef),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to confirm bet")
	}
}

// GetBet returns a single bet by ID.
// GET /api/bets/{id}
func (h *BetHandler) GetBet(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing bet id")
		return
	}

	bet, err := h.bets.GetBet(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bet not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get bet failed",
			slog.String("bet_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get bet")
		return
	}

	writeJSON(w, http.StatusOK, toBetResponse(bet))
}

// ListBets returns a wallet's bets, optionally scoped to a market. The
// wallet identity comes from the X-Wallet-Address header; a wallet query
// parameter is accepted as a fallback for direct API use.
// GET /api/bets?market_id=..&limit=50&offset=0
func (h *BetHandler) ListBets(w http.ResponseWriter, r *http.Request) {
	wallet := r.Header.Get("X-Wallet-Address")
	if wallet == "" {
		wallet = r.URL.Query().Get("wallet")
	}
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "missing X-Wallet-Address header")
		return
	}
	marketID := r.URL.Query().Get("market_id")
	opts := parseListOpts(r)

	bets, total, err := h.bets.ListBets(r.Context(), wallet, marketID, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list bets failed",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list bets")
		return
	}

	out := make([]betResponse, len(bets))
	for i, b := range bets {
		out[i] = toBetResponse(b)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bets":   out,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}
