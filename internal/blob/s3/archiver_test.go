package s3blob

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/secretpredictions/engine/internal/domain"
)

// memBlobWriter records uploads in memory.
type memBlobWriter struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobWriter() *memBlobWriter {
	return &memBlobWriter{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (w *memBlobWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.objects[path] = buf
	w.types[path] = contentType
	return nil
}

func (w *memBlobWriter) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return w.Put(ctx, path, data, "")
}

type stubMarketStore struct {
	markets []domain.Market
}

func (s *stubMarketStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Market, error) {
	return s.markets, nil
}

type stubClaimStore struct {
	claims []domain.ClaimReceipt
}

func (s *stubClaimStore) ListClaimsBefore(ctx context.Context, before time.Time) ([]domain.ClaimReceipt, error) {
	return s.claims, nil
}

type stubAuditStore struct {
	events []string
}

func (s *stubAuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.events = append(s.events, event)
	return nil
}

func (s *stubAuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveClaimsWritesJSONL(t *testing.T) {
	ctx := context.Background()
	writer := newMemBlobWriter()
	audit := &stubAuditStore{}

	claimed := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	claims := &stubClaimStore{claims: []domain.ClaimReceipt{
		{
			MarketID:     "m-1",
			Account:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			WinningStake: 10_000_000,
			Payout:       15_000_000,
			ClaimedAt:    claimed,
		},
		{
			MarketID:  "m-2",
			Account:   common.HexToAddress("0x00000000000000000000000000000000000000bb"),
			Payout:    5_000_000,
			Refund:    true,
			ClaimedAt: claimed,
		},
	}}

	arch := NewArchiver(writer, &stubMarketStore{}, claims, audit)

	before := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	n, err := arch.ArchiveClaims(ctx, before)
	if err != nil {
		t.Fatalf("ArchiveClaims: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	path := "archive/claims/2026-06.jsonl"
	buf, ok := writer.objects[path]
	if !ok {
		t.Fatalf("no upload at %s, got %v", path, writer.objects)
	}
	if ct := writer.types[path]; ct != "application/x-ndjson" {
		t.Errorf("content type = %q, want application/x-ndjson", ct)
	}

	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var row struct {
		MarketID string `json:"market_id"`
		Payout   uint64 `json:"payout"`
		Refund   bool   `json:"refund"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &row); err != nil {
		t.Fatalf("unmarshal row: %v", err)
	}
	if row.MarketID != "m-2" || !row.Refund || row.Payout != 5_000_000 {
		t.Errorf("row = %+v, want refunded m-2 with payout 5000000", row)
	}

	if len(audit.events) != 1 || audit.events[0] != "archive.claims" {
		t.Errorf("audit events = %v, want [archive.claims]", audit.events)
	}
}

func TestArchiveMarketsSkipsEmptyBatch(t *testing.T) {
	writer := newMemBlobWriter()
	arch := NewArchiver(writer, &stubMarketStore{}, &stubClaimStore{}, &stubAuditStore{})

	n, err := arch.ArchiveMarkets(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ArchiveMarkets: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
	if len(writer.objects) != 0 {
		t.Errorf("unexpected uploads: %v", writer.objects)
	}
}
