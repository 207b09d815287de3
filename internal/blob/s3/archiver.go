package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/secretpredictions/engine/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only needs the time-ranged queries it actually calls, not the
// full domain store interfaces. The Postgres stores satisfy these implicitly.
// ---------------------------------------------------------------------------

// MarketArchiveStore provides read access to settled markets for archival.
type MarketArchiveStore interface {
	// ListSettledBefore returns all resolved or cancelled markets whose
	// settlement timestamp is strictly before the given cutoff time.
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Market, error)
}

// ClaimArchiveStore provides read access to claim receipts for archival.
type ClaimArchiveStore interface {
	// ListClaimsBefore returns all claim receipts recorded strictly before
	// the given cutoff time.
	ListClaimsBefore(ctx context.Context, before time.Time) ([]domain.ClaimReceipt, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the stores for settled
// records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	markets MarketArchiveStore
	claims  ClaimArchiveStore
	audit   domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	markets MarketArchiveStore,
	claims ClaimArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:  writer,
		markets: markets,
		claims:  claims,
		audit:   audit,
	}
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// archivedMarket is the JSONL row shape for a settled market. Ciphertext
// handles are stored in hex; revealed pools and the outcome stay nullable for
// cancelled markets.
type archivedMarket struct {
	ID              string     `json:"id"`
	Question        string     `json:"question"`
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

// ArchiveMarkets queries all settled markets before the cutoff, serializes
// them to JSONL, and uploads the file to archive/markets/YYYY-MM.jsonl. The
// archival event is recorded in the audit log and the count of archived
// records is returned.
func (a *ArchiveImpl) ArchiveMarkets(ctx context.Context, before time.Time) (int64, error) {
	markets, err := a.markets.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive markets query: %w", err)
	}
	if len(markets) == 0 {
		return 0, nil
	}

	rows := make([]archivedMarket, 0, len(markets))
	for _, m := range markets {
		rows = append(rows, archivedMarket{
			ID:              m.ID,
			Question:        m.Question,
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
		})
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive markets marshal: %w", err)
	}

	path := archivePath("markets", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive markets upload: %w", err)
	}

	count := int64(len(markets))

	if err := a.audit.Log(ctx, "archive.markets", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive markets audit log: %w", err)
	}

	return count, nil
}

// archivedClaim is the JSONL row shape for a claim receipt.
type archivedClaim struct {
	MarketID     string    `json:"market_id"`
	Account      string    `json:"account"`
	WinningStake uint64    `json:"winning_stake"`
	Payout       uint64    `json:"payout"`
	Fee          uint64    `json:"fee"`
	Refund       bool      `json:"refund"`
	ClaimedAt    time.Time `json:"claimed_at"`
}

// ArchiveClaims queries all claim receipts before the cutoff, serializes them
// to JSONL, and uploads the file to archive/claims/YYYY-MM.jsonl. The archival
// event is recorded in the audit log and the count of archived records is
// returned.
func (a *ArchiveImpl) ArchiveClaims(ctx context.Context, before time.Time) (int64, error) {
	claims, err := a.claims.ListClaimsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive claims query: %w", err)
	}
	if len(claims) == 0 {
		return 0, nil
	}

	rows := make([]archivedClaim, 0, len(claims))
	for _, c := range claims {
		rows = append(rows, archivedClaim{
			MarketID:     c.MarketID,
			Account:      c.Account.Hex(),
			WinningStake: c.WinningStake,
			Payout:       c.Payout,
			Fee:          c.Fee,
			Refund:       c.Refund,
			ClaimedAt:    c.ClaimedAt,
		})
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive claims marshal: %w", err)
	}

	path := archivePath("claims", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive claims upload: %w", err)
	}

	count := int64(len(claims))

	if err := a.audit.Log(ctx, "archive.claims", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive claims audit log: %w", err)
	}

	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/markets/2025-01.jsonl
//	archive/claims/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
