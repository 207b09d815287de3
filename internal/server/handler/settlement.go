package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/secretpredictions/engine/internal/domain"
)

// SettlementService defines what the settlement handler needs from the
// service layer.
type SettlementService interface {
	RevealPool(ctx context.Context, marketID string) (domain.Market, error)
	ClaimPayout(ctx context.Context, marketID string, pp domain.PositionProof) (domain.ClaimReceipt, error)
}

// SettlementHandler serves the post-resolution endpoints: pool reveals and
// payout claims.
type SettlementHandler struct {
	settle SettlementService
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(settle SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{settle: settle, logger: logger}
}

// revealResponse reports the reveal state of a market.
type revealResponse struct {
	MarketID        string  `json:"market_id"`
	Status          string  `json:"status"` // "pending" or "revealed"
	RevealedYesPool *uint64 `json:"revealed_yes_pool,omitempty"`
	RevealedNoPool  *uint64 `json:"revealed_no_pool,omitempty"`
}

// RequestReveal starts or advances the public reveal of a terminal market's
// pools. Pending reveals answer 202; completed ones 200.
// POST /api/markets/{id}/reveal
func (h *SettlementHandler) RequestReveal(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")

	m, err := h.settle.RevealPool(r.Context(), marketID)
	if err != nil {
		if errors.Is(err, domain.ErrRevealPending) {
			writeJSON(w, http.StatusAccepted, revealResponse{
				MarketID: marketID,
				Status:   "pending",
			})
			return
		}
		writeDomainErr(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, revealResponse{
		MarketID:        m.ID,
		Status:          "revealed",
		RevealedYesPool: m.RevealedYesPool,
		RevealedNoPool:  m.RevealedNoPool,
	})
}

// claimRequest is the POST claims body. The two signatures prove ownership
// of the position's yes and no handles.
type claimRequest struct {
	Account      string `json:"account"`
	YesSignature string `json:"yes_signature"`
	NoSignature  string `json:"no_signature"`
}

// claimResponse is the settled receipt.
type claimResponse struct {
	MarketID     string `json:"market_id"`
	Account      string `json:"account"`
	WinningStake uint64 `json:"winning_stake"`
	Payout       uint64 `json:"payout"`
	Fee          uint64 `json:"fee"`
	Refund       bool   `json:"refund"`
	ClaimedAt    string `json:"claimed_at"`
}

// ClaimPayout settles the caller's position.
// POST /api/markets/{id}/claims
func (h *SettlementHandler) ClaimPayout(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")

	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Account) {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	yesSig, err := parseHexSig(req.YesSignature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed yes_signature")
		return
	}
	noSig, err := parseHexSig(req.NoSignature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed no_signature")
		return
	}

	receipt, err := h.settle.ClaimPayout(r.Context(), marketID, domain.PositionProof{
		Account:      common.HexToAddress(req.Account),
		YesSignature: yesSig,
		NoSignature:  noSig,
	})
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, claimResponse{
		MarketID:     receipt.MarketID,
		Account:      receipt.Account.Hex(),
		WinningStake: receipt.WinningStake,
		Payout:       receipt.Payout,
		Fee:          receipt.Fee,
		Refund:       receipt.Refund,
		ClaimedAt:    receipt.ClaimedAt.Format(time.RFC3339),
	})
}
