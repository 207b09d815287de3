package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/secretpredictions/engine/internal/domain"
	"github.com/secretpredictions/engine/internal/proof"
)

// LedgerService accepts wagers and maintains the encrypted pools and
// positions. Bet handling performs the same homomorphic operation sequence
// whatever the hidden side, so nothing observable about a bet depends on
// its contents.
type LedgerService struct {
	markets   domain.MarketStore
	positions domain.PositionStore
	cache     domain.MarketCache
	locks     domain.LockManager
	audit     domain.AuditStore
	fhe       domain.FHE
	verifier  *proof.Verifier
	events    *EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewLedgerService creates a LedgerService with all required dependencies.
func NewLedgerService(
	markets domain.MarketStore,
	positions domain.PositionStore,
	cache domain.MarketCache,
	locks domain.LockManager,
	audit domain.AuditStore,
	fhe domain.FHE,
	verifier *proof.Verifier,
	events *EventPublisher,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		markets:   markets,
		positions: positions,
		cache:     cache,
		locks:     locks,
		audit:     audit,
		fhe:       fhe,
		verifier:  verifier,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}
}

// PlaceBet accepts an encrypted wager. The amount and side never appear in
// plaintext anywhere in this path; the returned receipt carries only public
// counters.
func (s *LedgerService) PlaceBet(ctx context.Context, sub domain.BetSubmission) (domain.BetReceipt, error) {
	if sub.EncAmount.IsZero() || sub.EncSide.IsZero() {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: missing ciphertext handle: %w", domain.ErrInvalidInput)
	}
	if sub.Account == (common.Address{}) {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: zero account: %w", domain.ErrInvalidInput)
	}
	if err := s.verifier.VerifyBet(sub); err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: attestation: %w", err)
	}

	unlock, err := s.locks.Acquire(ctx, "market:"+sub.MarketID, lockTTL)
	if err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: lock market %q: %w", sub.MarketID, err)
	}
	defer unlock()

	m, err := s.markets.GetByID(ctx, sub.MarketID)
	if err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: get market %q: %w", sub.MarketID, err)
	}
	// Past-end-time bets are rejected even before the lock sweep runs.
	if !m.BettingOpen(s.now()) {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: market %q state %s: %w", m.ID, m.State, domain.ErrMarketNotOpen)
	}

	pos, created, err := s.positionFor(ctx, m.ID, sub.Account)
	if err != nil {
		return domain.BetReceipt{}, err
	}

	// Split the amount across both sides with a pair of selects, then add
	// both shares to both pools and both position legs. The exact same
	// operations run for a yes bet and a no bet.
	zero, err := s.fhe.Encrypt(ctx, 0)
	if err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: encrypting zero: %w", err)
	}
	yesShare, err := s.fhe.Select(ctx, sub.EncSide, sub.EncAmount, zero)
	if err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: selecting yes share: %w", err)
	}
	noShare, err := s.fhe.Select(ctx, sub.EncSide, zero, sub.EncAmount)
	if err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: selecting no share: %w", err)
	}

	if m.EncYesPool, err = s.fhe.Add(ctx, m.EncYesPool, yesShare); err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: accumulating yes pool: %w", err)
	}
	if m.EncNoPool, err = s.fhe.Add(ctx, m.EncNoPool, noShare); err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: accumulating no pool: %w", err)
	}
	if pos.EncYesAmount, err = s.fhe.Add(ctx, pos.EncYesAmount, yesShare); err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: accumulating yes position: %w", err)
	}
	if pos.EncNoAmount, err = s.fhe.Add(ctx, pos.EncNoAmount, noShare); err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: accumulating no position: %w", err)
	}

	// Position handles change on every bet; re-grant the owner each time.
	// Pool handles get no grant at all, bettors included.
	if err := s.fhe.Allow(ctx, pos.EncYesAmount, sub.Account); err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: granting yes handle: %w", err)
	}
	if err := s.fhe.Allow(ctx, pos.EncNoAmount, sub.Account); err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: granting no handle: %w", err)
	}

	now := s.now().UTC()
	pos.HasPosition = true
	pos.BetCount++
	pos.UpdatedAt = now
	m.BetCount++
	if created {
		m.BettorCount++
	}
	m.UpdatedAt = now

	if err := s.positions.Upsert(ctx, pos); err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: upsert position: %w", err)
	}
	if err := s.markets.Update(ctx, m); err != nil {
		return domain.BetReceipt{}, fmt.Errorf("ledger_service: update market: %w", err)
	}

	if err := s.cache.Invalidate(ctx, m.ID); err != nil {
		s.logger.WarnContext(ctx, "ledger_service: cache invalidate failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.audit.Log(ctx, "bet_accepted", map[string]any{
		"market_id": m.ID,
		"account":   sub.Account.Hex(),
		"bet_count": m.BetCount,
	}); err != nil {
		s.logger.WarnContext(ctx, "ledger_service: audit log failed",
			slog.String("error", err.Error()),
		)
	}
	s.events.Publish(ctx, domain.ChannelBets, domain.Event{
		Type:     domain.EventBetAccepted,
		MarketID: m.ID,
		Data:     map[string]any{"bet_count": m.BetCount, "bettor_count": m.BettorCount},
	})

	s.logger.InfoContext(ctx, "ledger_service: bet accepted",
		slog.String("market_id", m.ID),
		slog.String("account", sub.Account.Hex()),
		slog.Int64("bet_count", m.BetCount),
	)

	return domain.BetReceipt{
		MarketID:   m.ID,
		Account:    sub.Account,
		BetCount:   m.BetCount,
		AcceptedAt: now,
	}, nil
}

// GetPosition decrypts an account's own position. Both handle signatures
// must verify; anyone else gets ErrUnauthorized from the decryption layer.
func (s *LedgerService) GetPosition(ctx context.Context, marketID string, pp domain.PositionProof) (domain.PositionView, error) {
	pos, err := s.positions.Get(ctx, marketID, pp.Account)
	if err != nil {
		return domain.PositionView{}, fmt.Errorf("ledger_service: get position: %w", err)
	}
	if !pos.HasPosition {
		return domain.PositionView{}, fmt.Errorf("ledger_service: account %s: %w", pp.Account.Hex(), domain.ErrNoPosition)
	}

	yes, err := s.fhe.UserDecrypt(ctx, pos.EncYesAmount, domain.AccountProof{Account: pp.Account, Signature: pp.YesSignature})
	if err != nil {
		return domain.PositionView{}, fmt.Errorf("ledger_service: decrypt yes stake: %w", err)
	}
	no, err := s.fhe.UserDecrypt(ctx, pos.EncNoAmount, domain.AccountProof{Account: pp.Account, Signature: pp.NoSignature})
	if err != nil {
		return domain.PositionView{}, fmt.Errorf("ledger_service: decrypt no stake: %w", err)
	}

	return domain.PositionView{
		MarketID:   marketID,
		Account:    pp.Account,
		YesStake:   yes,
		NoStake:    no,
		HasClaimed: pos.HasClaimed,
		BetCount:   pos.BetCount,
	}, nil
}

// positionFor loads the account's position or initializes a fresh one with
// encrypted zero legs.
func (s *LedgerService) positionFor(ctx context.Context, marketID string, account common.Address) (domain.Position, bool, error) {
	pos, err := s.positions.Get(ctx, marketID, account)
	if err == nil {
		return pos, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Position{}, false, fmt.Errorf("ledger_service: get position: %w", err)
	}

	zeroYes, err := s.fhe.Encrypt(ctx, 0)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("ledger_service: encrypting zero position: %w", err)
	}
	zeroNo, err := s.fhe.Encrypt(ctx, 0)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("ledger_service: encrypting zero position: %w", err)
	}
	return domain.Position{
		MarketID:     marketID,
		Account:      account,
		EncYesAmount: zeroYes,
		EncNoAmount:  zeroNo,
		CreatedAt:    s.now().UTC(),
	}, true, nil
}
