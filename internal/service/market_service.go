package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/secretpredictions/engine/internal/domain"
)

// lockTTL bounds how long a lifecycle or bet operation may hold a market's
// distributed lock before it expires on its own.
const lockTTL = 10 * time.Second

// MarketService manages the market lifecycle: creation, locking,
// resolution and cancellation.
type MarketService struct {
	markets domain.MarketStore
	cache   domain.MarketCache
	locks   domain.LockManager
	audit   domain.AuditStore
	fhe     domain.FHE
	events  *EventPublisher
	logger  *slog.Logger
	now     func() time.Time
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(
	markets domain.MarketStore,
	cache domain.MarketCache,
	locks domain.LockManager,
	audit domain.AuditStore,
	fhe domain.FHE,
	events *EventPublisher,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets: markets,
		cache:   cache,
		locks:   locks,
		audit:   audit,
		fhe:     fhe,
		events:  events,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateMarketParams are the caller-supplied market parameters.
type CreateMarketParams struct {
	Question    string
	Description string
	EndTime     time.Time
	Oracle      common.Address
}

// CreateMarket opens a new market with both pools at encrypted zero.
func (s *MarketService) CreateMarket(ctx context.Context, p CreateMarketParams) (domain.Market, error) {
	now := s.now().UTC()
	if p.Question == "" {
		return domain.Market{}, fmt.Errorf("market_service: empty question: %w", domain.ErrInvalidInput)
	}
	if !p.EndTime.After(now) {
		return domain.Market{}, fmt.Errorf("market_service: end time not in the future: %w", domain.ErrInvalidInput)
	}
	if p.Oracle == (common.Address{}) {
		return domain.Market{}, fmt.Errorf("market_service: zero oracle address: %w", domain.ErrInvalidInput)
	}

	yesPool, err := s.fhe.Encrypt(ctx, 0)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: encrypting zero pool: %w", err)
	}
	noPool, err := s.fhe.Encrypt(ctx, 0)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: encrypting zero pool: %w", err)
	}

	m := domain.Market{
		ID:          uuid.NewString(),
		Question:    p.Question,
		Description: p.Description,
		EndTime:     p.EndTime.UTC(),
		Oracle:      p.Oracle,
		State:       domain.MarketStateOpen,
		EncYesPool:  yesPool,
		EncNoPool:   noPool,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
	}

	s.cacheSet(ctx, m)
	s.auditLog(ctx, "market_created", map[string]any{
		"market_id": m.ID,
		"oracle":    m.Oracle.Hex(),
		"end_time":  m.EndTime,
	})
	s.events.Publish(ctx, domain.ChannelMarkets, domain.Event{
		Type:     domain.EventMarketCreated,
		MarketID: m.ID,
		Data:     map[string]any{"question": m.Question, "end_time": m.EndTime},
	})

	s.logger.InfoContext(ctx, "market_service: market created",
		slog.String("market_id", m.ID),
		slog.Time("end_time", m.EndTime),
	)
	return m, nil
}

// GetMarket retrieves a market by ID, checking the cache first and falling
// back to the persistent store on a cache miss.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.cache.Get(ctx, id)
	if err == nil {
		return m, nil
	}

	m, err = s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get by id %q: %w", id, err)
	}
	s.cacheSet(ctx, m)
	return m, nil
}

// ListMarkets returns markets directly from the persistent store.
func (s *MarketService) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return markets, nil
}

// LockMarket transitions an open market to locked. Anyone may lock once the
// end time has passed; before that the call fails with ErrNotYetEndable.
func (s *MarketService) LockMarket(ctx context.Context, id string) (domain.Market, error) {
	unlock, err := s.locks.Acquire(ctx, "market:"+id, lockTTL)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: lock market %q: %w", id, err)
	}
	defer unlock()

	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, err)
	}
	m, err = s.lockLocked(ctx, m)
	if err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

// lockLocked performs the open -> locked transition. The caller holds the
// market's distributed lock.
func (s *MarketService) lockLocked(ctx context.Context, m domain.Market) (domain.Market, error) {
	switch {
	case m.State == domain.MarketStateLocked:
		// Locking is idempotent.
		return m, nil
	case m.State.Terminal():
		return domain.Market{}, fmt.Errorf("market_service: market %q is %s: %w", m.ID, m.State, domain.ErrInvalidState)
	case !m.Endable(s.now()):
		return domain.Market{}, fmt.Errorf("market_service: market %q ends at %s: %w", m.ID, m.EndTime, domain.ErrNotYetEndable)
	}

	m.State = domain.MarketStateLocked
	m.UpdatedAt = s.now().UTC()
	if err := s.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: update %q: %w", m.ID, err)
	}

	s.cacheInvalidate(ctx, m.ID)
	s.auditLog(ctx, "market_locked", map[string]any{"market_id": m.ID})
	s.events.Publish(ctx, domain.ChannelMarkets, domain.Event{
		Type:     domain.EventMarketLocked,
		MarketID: m.ID,
	})

	s.logger.InfoContext(ctx, "market_service: market locked", slog.String("market_id", m.ID))
	return m, nil
}

// ResolveMarket records the oracle's outcome. Only the market's oracle may
// resolve, exactly once, and only after the end time. An open market that
// has passed its end time is locked implicitly.
func (s *MarketService) ResolveMarket(ctx context.Context, id string, caller common.Address, outcome bool) (domain.Market, error) {
	unlock, err := s.locks.Acquire(ctx, "market:"+id, lockTTL)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: lock market %q: %w", id, err)
	}
	defer unlock()

	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, err)
	}

	if caller != m.Oracle {
		return domain.Market{}, fmt.Errorf("market_service: caller %s is not the oracle: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	if m.State.Terminal() {
		return domain.Market{}, fmt.Errorf("market_service: market %q is %s: %w", m.ID, m.State, domain.ErrAlreadyResolved)
	}
	if m.State == domain.MarketStateOpen {
		if m, err = s.lockLocked(ctx, m); err != nil {
			return domain.Market{}, err
		}
	}

	now := s.now().UTC()
	m.State = domain.MarketStateResolved
	m.Outcome = &outcome
	m.ResolvedAt = &now
	m.UpdatedAt = now
	if err := s.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: update %q: %w", m.ID, err)
	}

	s.cacheInvalidate(ctx, m.ID)
	s.auditLog(ctx, "market_resolved", map[string]any{
		"market_id": m.ID,
		"outcome":   outcome,
	})
	s.events.Publish(ctx, domain.ChannelMarkets, domain.Event{
		Type:     domain.EventMarketResolved,
		MarketID: m.ID,
		Data:     map[string]any{"outcome": outcome},
	})

	s.logger.InfoContext(ctx, "market_service: market resolved",
		slog.String("market_id", m.ID),
		slog.Bool("outcome", outcome),
	)
	return m, nil
}

// CancelMarket voids a non-terminal market. Only the platform admin may
// cancel; with no admin configured, cancellation is disabled. Every bettor
// becomes eligible for a full refund of their stake.
func (s *MarketService) CancelMarket(ctx context.Context, id string, caller common.Address, admin common.Address) (domain.Market, error) {
	unlock, err := s.locks.Acquire(ctx, "market:"+id, lockTTL)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: lock market %q: %w", id, err)
	}
	defer unlock()

	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, err)
	}

	if admin == (common.Address{}) || caller != admin {
		return domain.Market{}, fmt.Errorf("market_service: caller %s may not cancel: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	if m.State.Terminal() {
		return domain.Market{}, fmt.Errorf("market_service: market %q is %s: %w", m.ID, m.State, domain.ErrAlreadyResolved)
	}

	now := s.now().UTC()
	m.State = domain.MarketStateCancelled
	m.ResolvedAt = &now
	m.UpdatedAt = now
	if err := s.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: update %q: %w", m.ID, err)
	}

	s.cacheInvalidate(ctx, m.ID)
	s.auditLog(ctx, "market_cancelled", map[string]any{"market_id": m.ID})
	s.events.Publish(ctx, domain.ChannelMarkets, domain.Event{
		Type:     domain.EventMarketCancelled,
		MarketID: m.ID,
	})

	s.logger.WarnContext(ctx, "market_service: market cancelled", slog.String("market_id", m.ID))
	return m, nil
}

// SweepEnded locks open markets whose end time has passed. The worker calls
// this on a ticker so markets lock on time even when nobody posts the
// explicit lock request.
func (s *MarketService) SweepEnded(ctx context.Context, batch int) (int, error) {
	ended, err := s.markets.ListEnded(ctx, s.now(), batch)
	if err != nil {
		return 0, fmt.Errorf("market_service: list ended: %w", err)
	}

	locked := 0
	for _, m := range ended {
		if _, err := s.LockMarket(ctx, m.ID); err != nil {
			s.logger.WarnContext(ctx, "market_service: sweep lock failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		locked++
	}
	return locked, nil
}

func (s *MarketService) cacheSet(ctx context.Context, m domain.Market) {
	if err := s.cache.Set(ctx, m); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache set failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) cacheInvalidate(ctx context.Context, id string) {
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache invalidate failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		// Non-fatal: the cache will eventually expire on its own.
	}
}

func (s *MarketService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "market_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
