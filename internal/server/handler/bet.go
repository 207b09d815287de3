package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/secretpredictions/engine/internal/domain"
)

// LedgerService defines what the bet handler needs from the service layer.
type LedgerService interface {
	PlaceBet(ctx context.Context, sub domain.BetSubmission) (domain.BetReceipt, error)
	GetPosition(ctx context.Context, marketID string, pp domain.PositionProof) (domain.PositionView, error)
}

// BetHandler serves wager submission endpoints.
type BetHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler.
func NewBetHandler(ledger LedgerService, logger *slog.Logger) *BetHandler {
	return &BetHandler{ledger: ledger, logger: logger}
}

// betRequest is the POST bets body. Both handles come from the encryption
// endpoint; the attestation binds them to this account and market.
type betRequest struct {
	Account   string `json:"account"`
	EncAmount string `json:"enc_amount"`
	EncSide   string `json:"enc_side"`
	MinBet    uint64 `json:"min_bet"`
	MaxBet    uint64 `json:"max_bet"`
	Signature string `json:"signature"`
}

// betResponse acknowledges an accepted bet without echoing anything secret.
type betResponse struct {
	MarketID   string `json:"market_id"`
	Account    string `json:"account"`
	BetCount   int64  `json:"bet_count"`
	AcceptedAt string `json:"accepted_at"`
}

// PlaceBet accepts an encrypted wager.
// POST /api/markets/{id}/bets
func (h *BetHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")

	var req betRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Account) {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}

	encAmount, err := domain.CiphertextFromHex(req.EncAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed enc_amount handle")
		return
	}
	encSide, err := domain.CiphertextFromHex(req.EncSide)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed enc_side handle")
		return
	}
	sig, err := parseHexSig(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed signature")
		return
	}

	receipt, err := h.ledger.PlaceBet(r.Context(), domain.BetSubmission{
		MarketID:  marketID,
		Account:   common.HexToAddress(req.Account),
		EncAmount: encAmount,
		EncSide:   encSide,
		Proof: domain.BetAttestation{
			MinBet:    req.MinBet,
			MaxBet:    req.MaxBet,
			Signature: sig,
		},
	})
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, betResponse{
		MarketID:   receipt.MarketID,
		Account:    receipt.Account.Hex(),
		BetCount:   receipt.BetCount,
		AcceptedAt: receipt.AcceptedAt.Format(time.RFC3339),
	})
}
