package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/secretpredictions/engine/internal/domain"
)

// maxFeeBps caps the platform rake at 3% of winnings.
const maxFeeBps = 300

// SettlementService drives the post-resolution flow: the two-phase public
// reveal of the pools and the idempotent payout claims.
type SettlementService struct {
	markets   domain.MarketStore
	positions domain.PositionStore
	cache     domain.MarketCache
	reveals   domain.RevealCache
	locks     domain.LockManager
	audit     domain.AuditStore
	fhe       domain.FHE
	events    *EventPublisher
	logger    *slog.Logger
	feeBps    uint64
	now       func() time.Time
}

// NewSettlementService creates a SettlementService. feeBps is the platform
// rake in basis points, taken from winnings only; values above maxFeeBps
// are clamped.
func NewSettlementService(
	markets domain.MarketStore,
	positions domain.PositionStore,
	cache domain.MarketCache,
	reveals domain.RevealCache,
	locks domain.LockManager,
	audit domain.AuditStore,
	fhe domain.FHE,
	events *EventPublisher,
	logger *slog.Logger,
	feeBps uint64,
) *SettlementService {
	if feeBps > maxFeeBps {
		feeBps = maxFeeBps
	}
	return &SettlementService{
		markets:   markets,
		positions: positions,
		cache:     cache,
		reveals:   reveals,
		locks:     locks,
		audit:     audit,
		fhe:       fhe,
		events:    events,
		logger:    logger,
		feeBps:    feeBps,
		now:       time.Now,
	}
}

// RevealPool advances a terminal market through the two-phase public
// reveal. The first call issues gateway requests for both pools and
// returns ErrRevealPending; later calls poll until both values land, then
// persist them. Once revealed, every call returns the market with plaintext
// pools and a nil error. Safe to call from the HTTP handler and the worker
// concurrently.
func (s *SettlementService) RevealPool(ctx context.Context, marketID string) (domain.Market, error) {
	unlock, err := s.locks.Acquire(ctx, "reveal:"+marketID, lockTTL)
	if err != nil {
		return domain.Market{}, fmt.Errorf("settlement_service: lock reveal %q: %w", marketID, err)
	}
	defer unlock()

	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("settlement_service: get market %q: %w", marketID, err)
	}
	if !m.State.Terminal() {
		return domain.Market{}, fmt.Errorf("settlement_service: market %q state %s: %w", m.ID, m.State, domain.ErrNotResolved)
	}
	if m.Revealed() {
		return m, nil
	}

	if !m.RevealRequested() {
		if m.YesReveal, err = s.fhe.RequestPublicReveal(ctx, m.EncYesPool); err != nil {
			return domain.Market{}, fmt.Errorf("settlement_service: requesting yes reveal: %w", err)
		}
		if m.NoReveal, err = s.fhe.RequestPublicReveal(ctx, m.EncNoPool); err != nil {
			return domain.Market{}, fmt.Errorf("settlement_service: requesting no reveal: %w", err)
		}
		m.UpdatedAt = s.now().UTC()
		if err := s.markets.Update(ctx, m); err != nil {
			return domain.Market{}, fmt.Errorf("settlement_service: persisting reveal handles: %w", err)
		}
		s.trackPending(ctx, m)

		s.logger.InfoContext(ctx, "settlement_service: reveal requested",
			slog.String("market_id", m.ID),
		)
		return m, fmt.Errorf("settlement_service: market %q: %w", m.ID, domain.ErrRevealPending)
	}

	yes, yesReady, err := s.fhe.FetchRevealed(ctx, m.YesReveal)
	if err != nil {
		return domain.Market{}, fmt.Errorf("settlement_service: polling yes reveal: %w", err)
	}
	no, noReady, err := s.fhe.FetchRevealed(ctx, m.NoReveal)
	if err != nil {
		return domain.Market{}, fmt.Errorf("settlement_service: polling no reveal: %w", err)
	}
	if !yesReady || !noReady {
		return m, fmt.Errorf("settlement_service: market %q: %w", m.ID, domain.ErrRevealPending)
	}

	m.RevealedYesPool = &yes
	m.RevealedNoPool = &no
	m.UpdatedAt = s.now().UTC()
	if err := s.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("settlement_service: persisting revealed pools: %w", err)
	}

	if err := s.reveals.ClearPending(ctx, m.ID); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: clear pending failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.cache.Invalidate(ctx, m.ID); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: cache invalidate failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.audit.Log(ctx, "pool_revealed", map[string]any{
		"market_id": m.ID,
		"yes_pool":  yes,
		"no_pool":   no,
	}); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: audit log failed",
			slog.String("error", err.Error()),
		)
	}
	s.events.Publish(ctx, domain.ChannelReveals, domain.Event{
		Type:     domain.EventPoolRevealed,
		MarketID: m.ID,
		Data:     map[string]any{"yes_pool": yes, "no_pool": no},
	})

	s.logger.InfoContext(ctx, "settlement_service: pools revealed",
		slog.String("market_id", m.ID),
		slog.Uint64("yes_pool", yes),
		slog.Uint64("no_pool", no),
	)
	return m, nil
}

// PollReveals advances every market with an outstanding reveal. The worker
// calls this on a ticker.
func (s *SettlementService) PollReveals(ctx context.Context, batch int) (int, error) {
	pending, err := s.markets.ListRevealPending(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("settlement_service: list reveal pending: %w", err)
	}

	completed := 0
	for _, m := range pending {
		if _, err := s.RevealPool(ctx, m.ID); err != nil {
			if errors.Is(err, domain.ErrRevealPending) {
				continue
			}
			s.logger.WarnContext(ctx, "settlement_service: reveal poll failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		completed++
	}
	return completed, nil
}

// ClaimPayout settles one account's position. The account proves ownership
// of its position handles; the payout formula is
//
//	payout = winningStake * totalPool / winningPool
//
// truncated to micro-units, minus the platform fee on winnings. Cancelled
// markets and markets with an empty winning pool refund the full stake.
// Claims are idempotent: a second attempt fails with ErrAlreadyClaimed.
func (s *SettlementService) ClaimPayout(ctx context.Context, marketID string, pp domain.PositionProof) (domain.ClaimReceipt, error) {
	unlock, err := s.locks.Acquire(ctx, "claim:"+marketID+":"+pp.Account.Hex(), lockTTL)
	if err != nil {
		return domain.ClaimReceipt{}, fmt.Errorf("settlement_service: lock claim: %w", err)
	}
	defer unlock()

	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.ClaimReceipt{}, fmt.Errorf("settlement_service: get market %q: %w", marketID, err)
	}
	if !m.State.Terminal() {
		return domain.ClaimReceipt{}, fmt.Errorf("settlement_service: market %q state %s: %w", m.ID, m.State, domain.ErrNotResolved)
	}
	// Refunds on cancelled markets never read the pool totals, so they do
	// not wait for the gateway reveal.
	if m.State != domain.MarketStateCancelled && !m.Revealed() {
		if m.RevealRequested() {
			return domain.ClaimReceipt{}, fmt.Errorf("settlement_service: market %q: %w", m.ID, domain.ErrRevealPending)
		}
		return domain.ClaimReceipt{}, fmt.Errorf("settlement_service: market %q: %w", m.ID, domain.ErrNotRevealed)
	}

	pos, err := s.positions.Get(ctx, marketID, pp.Account)
	if err != nil {
		return domain.ClaimReceipt{}, fmt.Errorf("settlement_service: get position: %w", err)
	}
	if !pos.HasPosition {
		return domain.ClaimReceipt{}, fmt.Errorf("settlement_service: account %s: %w", pp.Account.Hex(), domain.ErrNoPosition)
	}
	if pos.HasClaimed {
		return domain.ClaimReceipt{}, fmt.Errorf("settlement_service: account %s: %w", pp.Account.Hex(), domain.ErrAlreadyClaimed)
	}

	yesStake, err := s.fhe.UserDecrypt(ctx, pos.EncYesAmount, domain.AccountProof{Account: pp.Account, Signature: pp.YesSignature})
	if err != nil {
		return domain.ClaimReceipt{}, fmt.Errorf("settlement_service: decrypt yes stake: %w", err)
	}
	noStake, err := s.fhe.UserDecrypt(ctx, pos.EncNoAmount, domain.AccountProof{Account: pp.Account, Signature: pp.NoSignature})
	if err != nil {
		return domain.ClaimReceipt{}, fmt.Errorf("settlement_service: decrypt no stake: %w", err)
	}

	receipt := s.settle(m, pp, yesStake, noStake)

	// Marking claimed and recording the receipt is one atomic store write,
	// so concurrent claims race down to exactly one winner.
	if err := s.positions.MarkClaimed(ctx, receipt); err != nil {
		return domain.ClaimReceipt{}, fmt.Errorf("settlement_service: mark claimed: %w", err)
	}

	if err := s.audit.Log(ctx, "payout_claimed", map[string]any{
		"market_id": m.ID,
		"account":   pp.Account.Hex(),
		"payout":    receipt.Payout,
		"fee":       receipt.Fee,
		"refund":    receipt.Refund,
	}); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: audit log failed",
			slog.String("error", err.Error()),
		)
	}
	s.events.Publish(ctx, domain.ChannelMarkets, domain.Event{
		Type:     domain.EventPayoutClaimed,
		MarketID: m.ID,
		Data:     map[string]any{"account": pp.Account.Hex(), "payout": receipt.Payout},
	})

	s.logger.InfoContext(ctx, "settlement_service: payout claimed",
		slog.String("market_id", m.ID),
		slog.String("account", pp.Account.Hex()),
		slog.Uint64("payout", receipt.Payout),
		slog.Bool("refund", receipt.Refund),
	)
	return receipt, nil
}

// settle computes the receipt for one position against a revealed market.
func (s *SettlementService) settle(m domain.Market, pp domain.PositionProof, yesStake, noStake uint64) domain.ClaimReceipt {
	receipt := domain.ClaimReceipt{
		MarketID:  m.ID,
		Account:   pp.Account,
		ClaimedAt: s.now().UTC(),
	}

	if m.State == domain.MarketStateCancelled {
		receipt.Refund = true
		receipt.Payout = yesStake + noStake
		return receipt
	}

	yesPool := *m.RevealedYesPool
	noPool := *m.RevealedNoPool
	winningPool, winningStake := yesPool, yesStake
	if !*m.Outcome {
		winningPool, winningStake = noPool, noStake
	}

	// Nobody on the winning side: everyone gets their stake back.
	if winningPool == 0 {
		receipt.Refund = true
		receipt.Payout = yesStake + noStake
		return receipt
	}

	receipt.WinningStake = winningStake
	if winningStake == 0 {
		return receipt
	}

	// winningStake * totalPool overflows uint64 for large pools, so the
	// product goes through big.Int before the truncating division.
	total := new(big.Int).Add(
		new(big.Int).SetUint64(yesPool),
		new(big.Int).SetUint64(noPool),
	)
	payout := new(big.Int).Mul(new(big.Int).SetUint64(winningStake), total)
	payout.Quo(payout, new(big.Int).SetUint64(winningPool))
	gross := payout.Uint64()

	winnings := gross - winningStake
	fee := winnings * s.feeBps / 10_000
	receipt.Fee = fee
	receipt.Payout = gross - fee
	return receipt
}

func (s *SettlementService) trackPending(ctx context.Context, m domain.Market) {
	for _, h := range []domain.RevealHandle{m.YesReveal, m.NoReveal} {
		if err := s.reveals.SetPending(ctx, m.ID, h); err != nil {
			s.logger.WarnContext(ctx, "settlement_service: track pending failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
