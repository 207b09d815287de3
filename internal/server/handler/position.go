package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/secretpredictions/engine/internal/domain"
)

// PositionStore is the read access the position handler needs.
type PositionStore interface {
	Get(ctx context.Context, marketID string, account common.Address) (domain.Position, error)
}

// PositionHandler serves per-account position endpoints. The public GET
// exposes only ciphertext handles and flags; the decrypt POST returns
// plaintext stakes to the proven owner.
type PositionHandler struct {
	positions PositionStore
	ledger    LedgerService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionStore, ledger LedgerService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, ledger: ledger, logger: logger}
}

// positionResponse is the public shape of a position. The owner signs the
// two handles to decrypt their stakes.
type positionResponse struct {
	MarketID     string `json:"market_id"`
	Account      string `json:"account"`
	EncYesAmount string `json:"enc_yes_amount"`
	EncNoAmount  string `json:"enc_no_amount"`
	HasClaimed   bool   `json:"has_claimed"`
	BetCount     int64  `json:"bet_count"`
}

// GetPosition returns the encrypted position record.
// GET /api/markets/{id}/positions/{account}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	accountHex := pathParam(r, "account")
	if !common.IsHexAddress(accountHex) {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}

	pos, err := h.positions.Get(r.Context(), marketID, common.HexToAddress(accountHex))
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, positionResponse{
		MarketID:     pos.MarketID,
		Account:      pos.Account.Hex(),
		EncYesAmount: pos.EncYesAmount.Hex(),
		EncNoAmount:  pos.EncNoAmount.Hex(),
		HasClaimed:   pos.HasClaimed,
		BetCount:     pos.BetCount,
	})
}

// decryptRequest carries the owner's handle signatures.
type decryptRequest struct {
	YesSignature string `json:"yes_signature"`
	NoSignature  string `json:"no_signature"`
}

// positionViewResponse is the decrypted view returned to the owner.
type positionViewResponse struct {
	MarketID   string `json:"market_id"`
	Account    string `json:"account"`
	YesStake   uint64 `json:"yes_stake"`
	NoStake    uint64 `json:"no_stake"`
	HasClaimed bool   `json:"has_claimed"`
	BetCount   int64  `json:"bet_count"`
}

// DecryptPosition returns the plaintext stakes to the proven owner.
// POST /api/markets/{id}/positions/{account}/decrypt
func (h *PositionHandler) DecryptPosition(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	accountHex := pathParam(r, "account")
	if !common.IsHexAddress(accountHex) {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}

	var req decryptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
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

	view, err := h.ledger.GetPosition(r.Context(), marketID, domain.PositionProof{
		Account:      common.HexToAddress(accountHex),
		YesSignature: yesSig,
		NoSignature:  noSig,
	})
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, positionViewResponse{
		MarketID:   view.MarketID,
		Account:    view.Account.Hex(),
		YesStake:   view.YesStake,
		NoStake:    view.NoStake,
		HasClaimed: view.HasClaimed,
		BetCount:   view.BetCount,
	})
}
