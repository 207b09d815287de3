package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	State  MarketState
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market state.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	Update(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	// ListEnded returns open markets whose end time has passed, for the
	// lock sweeper.
	ListEnded(ctx context.Context, now time.Time, limit int) ([]Market, error)
	// ListRevealPending returns terminal markets with an outstanding reveal
	// request, for the reveal poller.
	ListRevealPending(ctx context.Context, limit int) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// PositionStore persists per-account encrypted positions and claim records.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Get(ctx context.Context, marketID string, account common.Address) (Position, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Position, error)
	// MarkClaimed atomically flips HasClaimed and records the receipt. It
	// returns ErrAlreadyClaimed if the position was already claimed.
	MarkClaimed(ctx context.Context, receipt ClaimReceipt) error
	ListClaims(ctx context.Context, marketID string, opts ListOpts) ([]ClaimReceipt, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
