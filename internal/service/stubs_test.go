package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/secretpredictions/engine/internal/domain"
)

// In-memory fakes for the store and cache interfaces. Everything is keyed
// the way the real implementations key it so the services cannot tell the
// difference.

type memMarketStore struct {
	mu      sync.Mutex
	markets map[string]domain.Market
}

func newMemMarketStore() *memMarketStore {
	return &memMarketStore{markets: make(map[string]domain.Market)}
}

func (s *memMarketStore) Create(ctx context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.markets[m.ID] = m
	return nil
}

func (s *memMarketStore) Update(ctx context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; !ok {
		return domain.ErrNotFound
	}
	s.markets[m.ID] = m
	return nil
}

func (s *memMarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memMarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if opts.State != "" && m.State != opts.State {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memMarketStore) ListEnded(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.State == domain.MarketStateOpen && m.Endable(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMarketStore) ListRevealPending(ctx context.Context, limit int) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.State.Terminal() && !m.Revealed() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMarketStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.markets)), nil
}

type posKey struct {
	market  string
	account common.Address
}

type memPositionStore struct {
	mu        sync.Mutex
	positions map[posKey]domain.Position
	claims    []domain.ClaimReceipt
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[posKey]domain.Position)}
}

func (s *memPositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey{pos.MarketID, pos.Account}] = pos
	return nil
}

func (s *memPositionStore) Get(ctx context.Context, marketID string, account common.Address) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[posKey{marketID, account}]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *memPositionStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for k, p := range s.positions {
		if k.market == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositionStore) MarkClaimed(ctx context.Context, r domain.ClaimReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := posKey{r.MarketID, r.Account}
	pos, ok := s.positions[k]
	if !ok {
		return domain.ErrNotFound
	}
	if pos.HasClaimed {
		return domain.ErrAlreadyClaimed
	}
	pos.HasClaimed = true
	s.positions[k] = pos
	s.claims = append(s.claims, r)
	return nil
}

func (s *memPositionStore) ListClaims(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.ClaimReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ClaimReceipt
	for _, r := range s.claims {
		if r.MarketID == marketID {
			out = append(out, r)
		}
	}
	return out, nil
}

type memMarketCache struct {
	mu      sync.Mutex
	markets map[string]domain.Market
}

func newMemMarketCache() *memMarketCache {
	return &memMarketCache{markets: make(map[string]domain.Market)}
}

func (c *memMarketCache) Set(ctx context.Context, m domain.Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markets[m.ID] = m
	return nil
}

func (c *memMarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *memMarketCache) Invalidate(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markets, id)
	return nil
}

type memRevealCache struct {
	mu      sync.Mutex
	pending map[string][]domain.RevealHandle
}

func newMemRevealCache() *memRevealCache {
	return &memRevealCache{pending: make(map[string][]domain.RevealHandle)}
}

func (c *memRevealCache) SetPending(ctx context.Context, marketID string, h domain.RevealHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[marketID] = append(c.pending[marketID], h)
	return nil
}

func (c *memRevealCache) ClearPending(ctx context.Context, marketID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, marketID)
	return nil
}

type memLockManager struct {
	mu sync.Mutex
}

func (l *memLockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	return l.mu.Unlock, nil
}

type memAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (s *memAuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *memAuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.entries...), nil
}

type memSignalBus struct {
	mu       sync.Mutex
	streams  map[string][][]byte
	channels map[string][][]byte
}

func newMemSignalBus() *memSignalBus {
	return &memSignalBus{
		streams:  make(map[string][][]byte),
		channels: make(map[string][][]byte),
	}
}

func (b *memSignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[channel] = append(b.channels[channel], payload)
	return nil
}

func (b *memSignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memSignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *memSignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for i, p := range b.streams[stream] {
		out = append(out, domain.StreamMessage{ID: string(rune('0' + i)), Payload: p})
	}
	return out, nil
}
