package handler

import (
	"log/slog"
	"net/http"

	"github.com/secretpredictions/engine/internal/domain"
)

// CiphertextHandler is the encryption ingress: clients submit plaintext
// values over TLS and receive opaque handles to use in bet submissions. The
// plaintext is never persisted or logged.
type CiphertextHandler struct {
	fhe    domain.FHE
	logger *slog.Logger
}

// NewCiphertextHandler creates a CiphertextHandler.
func NewCiphertextHandler(fhe domain.FHE, logger *slog.Logger) *CiphertextHandler {
	return &CiphertextHandler{fhe: fhe, logger: logger}
}

// encryptRequest carries either an integer value (micro-units) or a
// boolean, not both.
type encryptRequest struct {
	Value *uint64 `json:"value,omitempty"`
	Bool  *bool   `json:"bool,omitempty"`
}

type encryptResponse struct {
	Handle string `json:"handle"`
}

// Encrypt produces a fresh ciphertext handle.
// POST /api/ciphertexts
func (h *CiphertextHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	var req encryptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if (req.Value == nil) == (req.Bool == nil) {
		writeError(w, http.StatusBadRequest, "exactly one of value or bool is required")
		return
	}

	var (
		ct  domain.Ciphertext
		err error
	)
	if req.Value != nil {
		ct, err = h.fhe.Encrypt(r.Context(), *req.Value)
	} else {
		ct, err = h.fhe.EncryptBool(r.Context(), *req.Bool)
	}
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, encryptResponse{Handle: ct.Hex()})
}
