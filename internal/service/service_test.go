package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/secretpredictions/engine/internal/domain"
	"github.com/secretpredictions/engine/internal/fhe"
	"github.com/secretpredictions/engine/internal/proof"
)

const testInstance = "test-instance"

type env struct {
	t         *testing.T
	clock     time.Time
	markets   *memMarketStore
	positions *memPositionStore
	engine    *fhe.LocalEngine
	marketSvc *MarketService
	ledger    *LedgerService
	settle    *SettlementService
	oracleKey *ecdsa.PrivateKey
	oracle    common.Address
	admin     common.Address
}

func newEnv(t *testing.T, feeBps uint64) *env {
	t.Helper()

	e := &env{
		t:         t,
		clock:     time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		markets:   newMemMarketStore(),
		positions: newMemPositionStore(),
	}
	now := func() time.Time { return e.clock }

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := fhe.New(logger, fhe.Options{Now: now})
	if err != nil {
		t.Fatalf("fhe.New: %v", err)
	}
	e.engine = engine

	cache := newMemMarketCache()
	reveals := newMemRevealCache()
	locks := &memLockManager{}
	audit := &memAuditStore{}
	events := NewEventPublisher(newMemSignalBus(), logger)

	e.marketSvc = NewMarketService(e.markets, cache, locks, audit, engine, events, logger)
	e.marketSvc.now = now
	e.ledger = NewLedgerService(e.markets, e.positions, cache, locks, audit, engine, proof.NewVerifier(testInstance), events, logger)
	e.ledger.now = now
	e.settle = NewSettlementService(e.markets, e.positions, cache, reveals, locks, audit, engine, events, logger, feeBps)
	e.settle.now = now

	e.oracleKey, err = ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	e.oracle = ethcrypto.PubkeyToAddress(e.oracleKey.PublicKey)
	e.admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	return e
}

func (e *env) createMarket(endIn time.Duration) domain.Market {
	e.t.Helper()
	m, err := e.marketSvc.CreateMarket(context.Background(), CreateMarketParams{
		Question: "Will it rain on settlement day?",
		EndTime:  e.clock.Add(endIn),
		Oracle:   e.oracle,
	})
	if err != nil {
		e.t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func (e *env) placeBet(marketID string, key *ecdsa.PrivateKey, amount uint64, side bool) error {
	e.t.Helper()
	ctx := context.Background()

	encAmt, err := e.engine.Encrypt(ctx, amount)
	if err != nil {
		e.t.Fatalf("Encrypt amount: %v", err)
	}
	encSide, err := e.engine.EncryptBool(ctx, side)
	if err != nil {
		e.t.Fatalf("Encrypt side: %v", err)
	}

	sub := domain.BetSubmission{
		MarketID:  marketID,
		Account:   ethcrypto.PubkeyToAddress(key.PublicKey),
		EncAmount: encAmt,
		EncSide:   encSide,
	}
	att := proof.NewAttestorFromKey(testInstance, key)
	if err := att.Attest(&sub, domain.MicroUnit, 1_000_000*domain.MicroUnit); err != nil {
		e.t.Fatalf("Attest: %v", err)
	}

	_, err = e.ledger.PlaceBet(ctx, sub)
	return err
}

// positionProof signs both handles of the account's stored position.
func (e *env) positionProof(marketID string, key *ecdsa.PrivateKey) domain.PositionProof {
	e.t.Helper()
	account := ethcrypto.PubkeyToAddress(key.PublicKey)
	pos, err := e.positions.Get(context.Background(), marketID, account)
	if err != nil {
		e.t.Fatalf("positions.Get: %v", err)
	}
	yesSig, err := fhe.SignUserDecrypt(pos.EncYesAmount, key)
	if err != nil {
		e.t.Fatalf("SignUserDecrypt: %v", err)
	}
	noSig, err := fhe.SignUserDecrypt(pos.EncNoAmount, key)
	if err != nil {
		e.t.Fatalf("SignUserDecrypt: %v", err)
	}
	return domain.PositionProof{Account: account, YesSignature: yesSig, NoSignature: noSig}
}

// resolveAndReveal drives the market to resolved with pools public.
func (e *env) resolveAndReveal(marketID string, outcome bool) {
	e.t.Helper()
	ctx := context.Background()

	if _, err := e.marketSvc.ResolveMarket(ctx, marketID, e.oracle, outcome); err != nil {
		e.t.Fatalf("ResolveMarket: %v", err)
	}
	// First call issues the gateway requests, second call collects.
	if _, err := e.settle.RevealPool(ctx, marketID); !errors.Is(err, domain.ErrRevealPending) {
		e.t.Fatalf("first RevealPool: err = %v, want ErrRevealPending", err)
	}
	if _, err := e.settle.RevealPool(ctx, marketID); err != nil {
		e.t.Fatalf("second RevealPool: %v", err)
	}
}

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func TestSettlementProportionalPayout(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	alice, bob, carol := genKey(t), genKey(t), genKey(t)
	if err := e.placeBet(m.ID, alice, 70*domain.MicroUnit, true); err != nil {
		t.Fatalf("alice bet: %v", err)
	}
	if err := e.placeBet(m.ID, bob, 30*domain.MicroUnit, true); err != nil {
		t.Fatalf("bob bet: %v", err)
	}
	if err := e.placeBet(m.ID, carol, 100*domain.MicroUnit, false); err != nil {
		t.Fatalf("carol bet: %v", err)
	}

	e.clock = e.clock.Add(2 * time.Hour)
	e.resolveAndReveal(m.ID, true)

	got, err := e.marketSvc.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if *got.RevealedYesPool != 100*domain.MicroUnit || *got.RevealedNoPool != 100*domain.MicroUnit {
		t.Fatalf("revealed pools = %d/%d", *got.RevealedYesPool, *got.RevealedNoPool)
	}

	r, err := e.settle.ClaimPayout(ctx, m.ID, e.positionProof(m.ID, alice))
	if err != nil {
		t.Fatalf("alice claim: %v", err)
	}
	if r.Payout != 140*domain.MicroUnit {
		t.Fatalf("alice payout = %d, want %d", r.Payout, 140*domain.MicroUnit)
	}

	r, err = e.settle.ClaimPayout(ctx, m.ID, e.positionProof(m.ID, bob))
	if err != nil {
		t.Fatalf("bob claim: %v", err)
	}
	if r.Payout != 60*domain.MicroUnit {
		t.Fatalf("bob payout = %d, want %d", r.Payout, 60*domain.MicroUnit)
	}

	// Carol backed the losing side.
	r, err = e.settle.ClaimPayout(ctx, m.ID, e.positionProof(m.ID, carol))
	if err != nil {
		t.Fatalf("carol claim: %v", err)
	}
	if r.Payout != 0 || r.WinningStake != 0 {
		t.Fatalf("carol receipt = %+v, want zero payout", r)
	}
}

func TestClaimIsIdempotent(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	alice := genKey(t)
	if err := e.placeBet(m.ID, alice, 10*domain.MicroUnit, true); err != nil {
		t.Fatalf("bet: %v", err)
	}

	e.clock = e.clock.Add(2 * time.Hour)
	e.resolveAndReveal(m.ID, true)

	pp := e.positionProof(m.ID, alice)
	if _, err := e.settle.ClaimPayout(ctx, m.ID, pp); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := e.settle.ClaimPayout(ctx, m.ID, pp); !errors.Is(err, domain.ErrAlreadyClaimed) {
		t.Fatalf("second claim: err = %v, want ErrAlreadyClaimed", err)
	}
}

func TestCancelledMarketRefunds(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	alice := genKey(t)
	if err := e.placeBet(m.ID, alice, 25*domain.MicroUnit, true); err != nil {
		t.Fatalf("yes bet: %v", err)
	}
	if err := e.placeBet(m.ID, alice, 5*domain.MicroUnit, false); err != nil {
		t.Fatalf("no bet: %v", err)
	}

	if _, err := e.marketSvc.CancelMarket(ctx, m.ID, e.admin, e.admin); err != nil {
		t.Fatalf("CancelMarket: %v", err)
	}
	// Pools still reveal on cancelled markets so refunds are auditable.
	if _, err := e.settle.RevealPool(ctx, m.ID); !errors.Is(err, domain.ErrRevealPending) {
		t.Fatalf("first RevealPool: %v", err)
	}
	if _, err := e.settle.RevealPool(ctx, m.ID); err != nil {
		t.Fatalf("second RevealPool: %v", err)
	}

	r, err := e.settle.ClaimPayout(ctx, m.ID, e.positionProof(m.ID, alice))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !r.Refund || r.Payout != 30*domain.MicroUnit {
		t.Fatalf("receipt = %+v, want full 30 unit refund", r)
	}
}

func TestCancelledRefundNeedsNoReveal(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	alice := genKey(t)
	if err := e.placeBet(m.ID, alice, 12*domain.MicroUnit, true); err != nil {
		t.Fatalf("bet: %v", err)
	}

	if _, err := e.marketSvc.CancelMarket(ctx, m.ID, e.admin, e.admin); err != nil {
		t.Fatalf("CancelMarket: %v", err)
	}

	// No RevealPool call: the refund must settle from the stake alone.
	r, err := e.settle.ClaimPayout(ctx, m.ID, e.positionProof(m.ID, alice))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !r.Refund || r.Payout != 12*domain.MicroUnit {
		t.Fatalf("receipt = %+v, want full 12 unit refund", r)
	}
}

func TestCancelIsAdminOnly(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	// The oracle cannot cancel its own market.
	if _, err := e.marketSvc.CancelMarket(ctx, m.ID, e.oracle, e.admin); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("oracle cancel: err = %v, want ErrUnauthorized", err)
	}
	// With no admin configured, nobody can cancel.
	if _, err := e.marketSvc.CancelMarket(ctx, m.ID, e.admin, common.Address{}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("cancel without admin: err = %v, want ErrUnauthorized", err)
	}

	if _, err := e.marketSvc.CancelMarket(ctx, m.ID, e.admin, e.admin); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

func TestEmptyWinningPoolRefunds(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	alice := genKey(t)
	if err := e.placeBet(m.ID, alice, 40*domain.MicroUnit, false); err != nil {
		t.Fatalf("bet: %v", err)
	}

	e.clock = e.clock.Add(2 * time.Hour)
	e.resolveAndReveal(m.ID, true) // nobody bet yes

	r, err := e.settle.ClaimPayout(ctx, m.ID, e.positionProof(m.ID, alice))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !r.Refund || r.Payout != 40*domain.MicroUnit {
		t.Fatalf("receipt = %+v, want full refund", r)
	}
}

func TestLifecycleGuards(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	// Too early to lock or resolve.
	if _, err := e.marketSvc.LockMarket(ctx, m.ID); !errors.Is(err, domain.ErrNotYetEndable) {
		t.Fatalf("early lock: err = %v, want ErrNotYetEndable", err)
	}
	if _, err := e.marketSvc.ResolveMarket(ctx, m.ID, e.oracle, true); !errors.Is(err, domain.ErrNotYetEndable) {
		t.Fatalf("early resolve: err = %v, want ErrNotYetEndable", err)
	}

	e.clock = e.clock.Add(2 * time.Hour)

	// Only the oracle resolves.
	stranger := genKey(t)
	if _, err := e.marketSvc.ResolveMarket(ctx, m.ID, ethcrypto.PubkeyToAddress(stranger.PublicKey), true); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("stranger resolve: err = %v, want ErrUnauthorized", err)
	}

	// Resolution is one-shot, and implies the lock.
	if _, err := e.marketSvc.ResolveMarket(ctx, m.ID, e.oracle, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := e.marketSvc.ResolveMarket(ctx, m.ID, e.oracle, false); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("second resolve: err = %v, want ErrAlreadyResolved", err)
	}
	if _, err := e.marketSvc.CancelMarket(ctx, m.ID, e.admin, e.admin); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("cancel after resolve: err = %v, want ErrAlreadyResolved", err)
	}
}

func TestBetRejectedAfterEndTime(t *testing.T) {
	e := newEnv(t, 0)
	m := e.createMarket(time.Hour)

	// Past end time but not yet swept to locked.
	e.clock = e.clock.Add(2 * time.Hour)

	err := e.placeBet(m.ID, genKey(t), 10*domain.MicroUnit, true)
	if !errors.Is(err, domain.ErrMarketNotOpen) {
		t.Fatalf("late bet: err = %v, want ErrMarketNotOpen", err)
	}
}

func TestBetRejectedWithBadProof(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	key := genKey(t)
	encAmt, _ := e.engine.Encrypt(ctx, 10*domain.MicroUnit)
	encSide, _ := e.engine.EncryptBool(ctx, true)

	sub := domain.BetSubmission{
		MarketID:  m.ID,
		Account:   ethcrypto.PubkeyToAddress(key.PublicKey),
		EncAmount: encAmt,
		EncSide:   encSide,
	}
	att := proof.NewAttestorFromKey(testInstance, key)
	if err := att.Attest(&sub, 1, 100); err != nil {
		t.Fatalf("Attest: %v", err)
	}
	sub.EncAmount, _ = e.engine.Encrypt(ctx, 999) // swap after signing

	if _, err := e.ledger.PlaceBet(ctx, sub); !errors.Is(err, domain.ErrInvalidProof) {
		t.Fatalf("tampered bet: err = %v, want ErrInvalidProof", err)
	}
}

func TestBetPathIsSideUniform(t *testing.T) {
	e := newEnv(t, 0)
	m := e.createMarket(time.Hour)

	before := e.engine.Ops()
	if err := e.placeBet(m.ID, genKey(t), 10*domain.MicroUnit, true); err != nil {
		t.Fatalf("yes bet: %v", err)
	}
	afterYes := e.engine.Ops()

	if err := e.placeBet(m.ID, genKey(t), 10*domain.MicroUnit, false); err != nil {
		t.Fatalf("no bet: %v", err)
	}
	afterNo := e.engine.Ops()

	yes := fhe.OpCounts{
		Encrypt: afterYes.Encrypt - before.Encrypt,
		Add:     afterYes.Add - before.Add,
		Select:  afterYes.Select - before.Select,
		Allow:   afterYes.Allow - before.Allow,
	}
	no := fhe.OpCounts{
		Encrypt: afterNo.Encrypt - afterYes.Encrypt,
		Add:     afterNo.Add - afterYes.Add,
		Select:  afterNo.Select - afterYes.Select,
		Allow:   afterNo.Allow - afterYes.Allow,
	}
	if yes != no {
		t.Fatalf("operation counts differ by side: yes=%+v no=%+v", yes, no)
	}
}

func TestPositionDecryptOwnerOnly(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	alice := genKey(t)
	if err := e.placeBet(m.ID, alice, 15*domain.MicroUnit, true); err != nil {
		t.Fatalf("bet: %v", err)
	}

	view, err := e.ledger.GetPosition(ctx, m.ID, e.positionProof(m.ID, alice))
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if view.YesStake != 15*domain.MicroUnit || view.NoStake != 0 {
		t.Fatalf("view = %+v", view)
	}

	// Mallory signs with her own key but claims alice's account.
	mallory := genKey(t)
	pos, _ := e.positions.Get(ctx, m.ID, ethcrypto.PubkeyToAddress(alice.PublicKey))
	yesSig, _ := fhe.SignUserDecrypt(pos.EncYesAmount, mallory)
	noSig, _ := fhe.SignUserDecrypt(pos.EncNoAmount, mallory)
	forged := domain.PositionProof{
		Account:      ethcrypto.PubkeyToAddress(alice.PublicKey),
		YesSignature: yesSig,
		NoSignature:  noSig,
	}
	if _, err := e.ledger.GetPosition(ctx, m.ID, forged); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("forged decrypt: err = %v, want ErrUnauthorized", err)
	}
}

func TestClaimBeforeRevealFails(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	alice := genKey(t)
	if err := e.placeBet(m.ID, alice, 10*domain.MicroUnit, true); err != nil {
		t.Fatalf("bet: %v", err)
	}
	pp := e.positionProof(m.ID, alice)

	// Not resolved yet.
	if _, err := e.settle.ClaimPayout(ctx, m.ID, pp); !errors.Is(err, domain.ErrNotResolved) {
		t.Fatalf("claim on open market: err = %v, want ErrNotResolved", err)
	}

	e.clock = e.clock.Add(2 * time.Hour)
	if _, err := e.marketSvc.ResolveMarket(ctx, m.ID, e.oracle, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Resolved but reveal never requested.
	if _, err := e.settle.ClaimPayout(ctx, m.ID, pp); !errors.Is(err, domain.ErrNotRevealed) {
		t.Fatalf("claim before reveal: err = %v, want ErrNotRevealed", err)
	}

	// Requested but still in flight.
	if _, err := e.settle.RevealPool(ctx, m.ID); !errors.Is(err, domain.ErrRevealPending) {
		t.Fatalf("RevealPool: %v", err)
	}
	if _, err := e.settle.ClaimPayout(ctx, m.ID, pp); !errors.Is(err, domain.ErrRevealPending) {
		t.Fatalf("claim mid-reveal: err = %v, want ErrRevealPending", err)
	}
}

func TestFeeComesFromWinningsOnly(t *testing.T) {
	e := newEnv(t, 200) // 2%
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	alice, bob := genKey(t), genKey(t)
	if err := e.placeBet(m.ID, alice, 100*domain.MicroUnit, true); err != nil {
		t.Fatalf("alice bet: %v", err)
	}
	if err := e.placeBet(m.ID, bob, 100*domain.MicroUnit, false); err != nil {
		t.Fatalf("bob bet: %v", err)
	}

	e.clock = e.clock.Add(2 * time.Hour)
	e.resolveAndReveal(m.ID, true)

	r, err := e.settle.ClaimPayout(ctx, m.ID, e.positionProof(m.ID, alice))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Gross 200, winnings 100, fee 2.
	if r.Fee != 2*domain.MicroUnit {
		t.Fatalf("fee = %d, want %d", r.Fee, 2*domain.MicroUnit)
	}
	if r.Payout != 198*domain.MicroUnit {
		t.Fatalf("payout = %d, want %d", r.Payout, 198*domain.MicroUnit)
	}
}

func TestSweepLocksEndedMarkets(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	m := e.createMarket(time.Hour)

	if n, err := e.marketSvc.SweepEnded(ctx, 10); err != nil || n != 0 {
		t.Fatalf("early sweep: n=%d err=%v", n, err)
	}

	e.clock = e.clock.Add(2 * time.Hour)
	n, err := e.marketSvc.SweepEnded(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}

	got, err := e.marketSvc.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.State != domain.MarketStateLocked {
		t.Fatalf("state = %s, want locked", got.State)
	}
}
