package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/secretpredictions/engine/internal/domain"
	"github.com/secretpredictions/engine/internal/service"
)

// stubMarkets implements MarketService with canned responses.
type stubMarkets struct {
	market domain.Market
	list   []domain.Market
	err    error
}

func (s *stubMarkets) CreateMarket(ctx context.Context, p service.CreateMarketParams) (domain.Market, error) {
	return s.market, s.err
}

func (s *stubMarkets) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	return s.market, s.err
}

func (s *stubMarkets) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	return s.list, s.err
}

func (s *stubMarkets) LockMarket(ctx context.Context, id string) (domain.Market, error) {
	return s.market, s.err
}

func (s *stubMarkets) ResolveMarket(ctx context.Context, id string, caller common.Address, outcome bool) (domain.Market, error) {
	return s.market, s.err
}

func (s *stubMarkets) CancelMarket(ctx context.Context, id string, caller, admin common.Address) (domain.Market, error) {
	return s.market, s.err
}

// stubSettlement implements SettlementService with canned responses.
type stubSettlement struct {
	market  domain.Market
	receipt domain.ClaimReceipt
	err     error
}

func (s *stubSettlement) RevealPool(ctx context.Context, marketID string) (domain.Market, error) {
	return s.market, s.err
}

func (s *stubSettlement) ClaimPayout(ctx context.Context, marketID string, pp domain.PositionProof) (domain.ClaimReceipt, error) {
	return s.receipt, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleMarket() domain.Market {
	var yes, no domain.Ciphertext
	yes[0] = 0x01
	no[0] = 0x02
	return domain.Market{
		ID:         "m-1",
		Question:   "Will it rain tomorrow?",
		EndTime:    time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		Oracle:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		State:      domain.MarketStateOpen,
		EncYesPool: yes,
		EncNoPool:  no,
		CreatedAt:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

// routed wraps a handler func with a pattern so PathValue works in tests.
func routed(pattern string, fn http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, fn)
	return mux
}

func TestGetMarketOK(t *testing.T) {
	h := NewMarketHandler(&stubMarkets{market: sampleMarket()}, nil, common.Address{}, testLogger())
	srv := routed("GET /api/markets/{id}", h.GetMarket)

	req := httptest.NewRequest(http.MethodGet, "/api/markets/m-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp marketResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID != "m-1" {
		t.Errorf("id = %q, want m-1", resp.ID)
	}
	if resp.State != string(domain.MarketStateOpen) {
		t.Errorf("state = %q, want open", resp.State)
	}
	if !strings.HasPrefix(resp.EncYesPool, "0x01") {
		t.Errorf("enc_yes_pool = %q, want 0x01... handle", resp.EncYesPool)
	}
	if resp.RevealedYesPool != nil {
		t.Errorf("revealed_yes_pool should be omitted before reveal")
	}
}

func TestGetMarketNotFound(t *testing.T) {
	h := NewMarketHandler(&stubMarkets{err: domain.ErrNotFound}, nil, common.Address{}, testLogger())
	srv := routed("GET /api/markets/{id}", h.GetMarket)

	req := httptest.NewRequest(http.MethodGet, "/api/markets/missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content-type = %q, want application/json", ct)
	}
}

func TestCreateMarketRejectsBadOracle(t *testing.T) {
	h := NewMarketHandler(&stubMarkets{}, nil, common.Address{}, testLogger())

	body := `{"question":"q","end_time":"2026-09-01T00:00:00Z","oracle":"not-an-address"}`
	req := httptest.NewRequest(http.MethodPost, "/api/markets", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateMarket(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateMarketRejectsUnknownFields(t *testing.T) {
	h := NewMarketHandler(&stubMarkets{market: sampleMarket()}, nil, common.Address{}, testLogger())

	body := `{"question":"q","end_time":"2026-09-01T00:00:00Z","oracle":"0x00000000000000000000000000000000000000aa","bogus":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/markets", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateMarket(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestListMarketsPagination(t *testing.T) {
	h := NewMarketHandler(&stubMarkets{list: []domain.Market{sampleMarket()}}, nil, common.Address{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/markets?limit=9999&offset=10&state=open", nil)
	rec := httptest.NewRecorder()
	h.ListMarkets(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp listMarketsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Limit != 500 {
		t.Errorf("limit = %d, want clamped to 500", resp.Limit)
	}
	if resp.Offset != 10 {
		t.Errorf("offset = %d, want 10", resp.Offset)
	}
	if len(resp.Markets) != 1 {
		t.Errorf("markets = %d, want 1", len(resp.Markets))
	}
}

func TestRequestRevealPending(t *testing.T) {
	h := NewSettlementHandler(&stubSettlement{err: domain.ErrRevealPending}, testLogger())
	srv := routed("POST /api/markets/{id}/reveal", h.RequestReveal)

	req := httptest.NewRequest(http.MethodPost, "/api/markets/m-1/reveal", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	var resp revealResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "pending" {
		t.Errorf("status = %q, want pending", resp.Status)
	}
}

func TestRequestRevealComplete(t *testing.T) {
	m := sampleMarket()
	m.State = domain.MarketStateResolved
	yes, no := uint64(3_000_000), uint64(1_000_000)
	m.RevealedYesPool = &yes
	m.RevealedNoPool = &no

	h := NewSettlementHandler(&stubSettlement{market: m}, testLogger())
	srv := routed("POST /api/markets/{id}/reveal", h.RequestReveal)

	req := httptest.NewRequest(http.MethodPost, "/api/markets/m-1/reveal", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp revealResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "revealed" {
		t.Errorf("status = %q, want revealed", resp.Status)
	}
	if resp.RevealedYesPool == nil || *resp.RevealedYesPool != yes {
		t.Errorf("revealed_yes_pool = %v, want %d", resp.RevealedYesPool, yes)
	}
}

func TestClaimPayoutRejectsMalformedSignature(t *testing.T) {
	h := NewSettlementHandler(&stubSettlement{}, testLogger())
	srv := routed("POST /api/markets/{id}/claims", h.ClaimPayout)

	body := `{"account":"0x00000000000000000000000000000000000000aa","yes_signature":"0xzz","no_signature":"0x00"}`
	req := httptest.NewRequest(http.MethodPost, "/api/markets/m-1/claims", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestClaimPayoutConflictWhenAlreadyClaimed(t *testing.T) {
	h := NewSettlementHandler(&stubSettlement{err: domain.ErrAlreadyClaimed}, testLogger())
	srv := routed("POST /api/markets/{id}/claims", h.ClaimPayout)

	body := `{"account":"0x00000000000000000000000000000000000000aa","yes_signature":"0x00","no_signature":"0x00"}`
	req := httptest.NewRequest(http.MethodPost, "/api/markets/m-1/claims", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestStatusFromErr(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrNoPosition, http.StatusNotFound},
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrNotRevealed, http.StatusBadRequest},
		{domain.ErrUnauthorized, http.StatusForbidden},
		{domain.ErrInvalidProof, http.StatusForbidden},
		{domain.ErrMarketNotOpen, http.StatusConflict},
		{domain.ErrNotYetEndable, http.StatusConflict},
		{domain.ErrAlreadyResolved, http.StatusConflict},
		{domain.ErrNotResolved, http.StatusConflict},
		{domain.ErrAlreadyClaimed, http.StatusConflict},
		{domain.ErrRevealPending, http.StatusAccepted},
		{domain.ErrLockHeld, http.StatusLocked},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFromErr(tc.err); got != tc.want {
			t.Errorf("statusFromErr(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

// stubBlobReader serves canned archive objects.
type stubBlobReader struct {
	infos   []domain.BlobInfo
	objects map[string]string
}

func (s *stubBlobReader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	body, ok := s.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (s *stubBlobReader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	return s.infos, nil
}

func (s *stubBlobReader) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := s.objects[path]
	return ok, nil
}

func TestListArchives(t *testing.T) {
	blobs := &stubBlobReader{infos: []domain.BlobInfo{
		{Path: "archive/claims/2026-06.jsonl", Size: 128},
	}}
	h := NewArchiveHandler(blobs, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/archives", nil)
	rec := httptest.NewRecorder()
	h.ListArchives(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp listArchivesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Archives) != 1 || resp.Archives[0].Path != "archive/claims/2026-06.jsonl" {
		t.Errorf("archives = %+v, want the single claims export", resp.Archives)
	}
}

func TestGetArchiveStreamsJSONL(t *testing.T) {
	blobs := &stubBlobReader{objects: map[string]string{
		"archive/markets/2026-06.jsonl": `{"id":"m-1"}` + "\n",
	}}
	h := NewArchiveHandler(blobs, testLogger())
	srv := routed("GET /api/archives/{kind}/{month}", h.GetArchive)

	req := httptest.NewRequest(http.MethodGet, "/api/archives/markets/2026-06", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content-type = %q, want application/x-ndjson", ct)
	}
	if !strings.Contains(rec.Body.String(), `"m-1"`) {
		t.Errorf("body = %q, want the archived market row", rec.Body.String())
	}
}

func TestGetArchiveValidatesPath(t *testing.T) {
	h := NewArchiveHandler(&stubBlobReader{}, testLogger())
	srv := routed("GET /api/archives/{kind}/{month}", h.GetArchive)

	for _, path := range []string{
		"/api/archives/orders/2026-06",
		"/api/archives/markets/latest",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, http.StatusBadRequest)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/archives/markets/2026-07", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing month: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
