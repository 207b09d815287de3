package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/secretpredictions/engine/internal/domain"
	"github.com/secretpredictions/engine/internal/proof"
	"github.com/secretpredictions/engine/internal/service"
)

// MarketService defines the methods that the market handler requires from
// the service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, p service.CreateMarketParams) (domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	LockMarket(ctx context.Context, id string) (domain.Market, error)
	ResolveMarket(ctx context.Context, id string, caller common.Address, outcome bool) (domain.Market, error)
	CancelMarket(ctx context.Context, id string, caller, admin common.Address) (domain.Market, error)
}

// MarketHandler serves market lifecycle HTTP endpoints.
type MarketHandler struct {
	markets  MarketService
	verifier *proof.Verifier
	admin    common.Address
	logger   *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, verifier *proof.Verifier, admin common.Address, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets:  markets,
		verifier: verifier,
		admin:    admin,
		logger:   logger,
	}
}

// marketResponse is the public JSON shape of a market. Ciphertext handles
// are hex strings; revealed pools stay null until the reveal completes.
type marketResponse struct {
	ID              string     `json:"id"`
	Question        string     `json:"question"`
	Description     string     `json:"description,omitempty"`
	EndTime         time.Time  `json:"end_time"`
	Oracle          string     `json:"oracle"`
	State           string     `json:"state"`
	Outcome         *bool      `json:"outcome,omitempty"`
	EncYesPool      string     `json:"enc_yes_pool"`
	EncNoPool       string     `json:"enc_no_pool"`
	RevealedYesPool *uint64    `json:"revealed_yes_pool,omitempty"`
	RevealedNoPool  *uint64    `json:"revealed_no_pool,omitempty"`
	BetCount        int64      `json:"bet_count"`
	BettorCount     int64      `json:"bettor_count"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

func toMarketResponse(m domain.Market) marketResponse {
	return marketResponse{
		ID:              m.ID,
		Question:        m.Question,
		Description:     m.Description,
		EndTime:         m.EndTime,
		Oracle:          m.Oracle.Hex(),
		State:           string(m.State),
		Outcome:         m.Outcome,
		EncYesPool:      m.EncYesPool.Hex(),
		EncNoPool:       m.EncNoPool.Hex(),
		RevealedYesPool: m.RevealedYesPool,
		RevealedNoPool:  m.RevealedNoPool,
		BetCount:        m.BetCount,
		BettorCount:     m.BettorCount,
		CreatedAt:       m.CreatedAt,
		ResolvedAt:      m.ResolvedAt,
	}
}

// createMarketRequest is the POST /api/markets body.
type createMarketRequest struct {
	Question    string    `json:"question"`
	Description string    `json:"description"`
	EndTime     time.Time `json:"end_time"`
	Oracle      string    `json:"oracle"`
}

// CreateMarket opens a new market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Oracle) {
		writeError(w, http.StatusBadRequest, "invalid oracle address")
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), service.CreateMarketParams{
		Question:    req.Question,
		Description: req.Description,
		EndTime:     req.EndTime,
		Oracle:      common.HexToAddress(req.Oracle),
	})
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMarketResponse(m))
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketResponse `json:"markets"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// ListMarkets returns markets with pagination and optional state filtering.
// GET /api/markets?state=open&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.ListMarkets(r.Context(), opts)
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}

	out := make([]marketResponse, 0, len(markets))
	for _, m := range markets {
		out = append(out, toMarketResponse(m))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: out,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
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

	m, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketResponse(m))
}

// LockMarket closes betting on a market that has passed its end time.
// Anyone may call it; the transition itself is time-gated.
// POST /api/markets/{id}/lock
func (h *MarketHandler) LockMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	m, err := h.markets.LockMarket(r.Context(), id)
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketResponse(m))
}

// actionRequest is the signed body for resolve and cancel.
type actionRequest struct {
	Account   string `json:"account"`
	Outcome   *bool  `json:"outcome,omitempty"`
	Signature string `json:"signature"`
}

// ResolveMarket records the oracle's one-shot outcome.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req actionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Account) || req.Outcome == nil {
		writeError(w, http.StatusBadRequest, "account and outcome are required")
		return
	}
	account := common.HexToAddress(req.Account)

	sig, err := parseHexSig(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed signature")
		return
	}
	action := proof.ActionResolveNo
	if *req.Outcome {
		action = proof.ActionResolveYes
	}
	if err := h.verifier.VerifyAction(action, id, account, sig); err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}

	m, err := h.markets.ResolveMarket(r.Context(), id, account, *req.Outcome)
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketResponse(m))
}

// CancelMarket voids a market; platform admin only.
// POST /api/markets/{id}/cancel
func (h *MarketHandler) CancelMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req actionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Account) {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}
	account := common.HexToAddress(req.Account)

	sig, err := parseHexSig(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed signature")
		return
	}
	if err := h.verifier.VerifyAction(proof.ActionCancel, id, account, sig); err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}

	m, err := h.markets.CancelMarket(r.Context(), id, account, h.admin)
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketResponse(m))
}
