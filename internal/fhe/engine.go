// Package fhe provides the encrypted-arithmetic backend consumed by the
// settlement engine. LocalEngine is a process-local coprocessor: values are
// sealed under an engine key and referenced by opaque handles, arithmetic
// runs over the sealed store, and public reveals complete asynchronously
// the way a decryption gateway round-trip would.
package fhe

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/secretpredictions/engine/internal/domain"
)

// UserDecrypt(bytes32 handle,address account)
var userDecryptTypeHash = ethcrypto.Keccak256(
	[]byte("UserDecrypt(bytes32 handle,address account)"),
)

// entry is one sealed value in the handle store.
type entry struct {
	nonce  []byte
	sealed []byte
	acl    map[common.Address]bool
}

// pendingReveal is an in-flight public-reveal round-trip.
type pendingReveal struct {
	handle      domain.Ciphertext
	requestedAt time.Time
}

// OpCounts tallies homomorphic operations. Tests compare tallies across
// code paths to check that bet handling performs the same operation
// sequence regardless of the hidden side.
type OpCounts struct {
	Encrypt int
	Add     int
	Select  int
	Allow   int
}

// Options configures a LocalEngine.
type Options struct {
	// RevealDelay is how long a public-reveal round-trip takes before
	// FetchRevealed reports ready. Zero means reveals complete on the
	// first poll.
	RevealDelay time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// LocalEngine implements domain.FHE with an in-process sealed store.
type LocalEngine struct {
	log   *slog.Logger
	key   [chacha20poly1305.KeySize]byte
	delay time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[domain.Ciphertext]*entry
	reveals map[domain.RevealHandle]pendingReveal
	ops     OpCounts
}

var _ domain.FHE = (*LocalEngine)(nil)

// New creates a LocalEngine with a freshly generated sealing key.
func New(log *slog.Logger, opts Options) (*LocalEngine, error) {
	e := &LocalEngine{
		log:     log,
		delay:   opts.RevealDelay,
		now:     opts.Now,
		entries: make(map[domain.Ciphertext]*entry),
		reveals: make(map[domain.RevealHandle]pendingReveal),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if _, err := rand.Read(e.key[:]); err != nil {
		return nil, fmt.Errorf("fhe: generating sealing key: %w", err)
	}
	return e, nil
}

// Encrypt seals value and returns its handle. The handle starts with an
// empty access list.
func (e *LocalEngine) Encrypt(ctx context.Context, value uint64) (domain.Ciphertext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops.Encrypt++
	return e.sealLocked(value)
}

// EncryptBool seals a boolean as 0 or 1.
func (e *LocalEngine) EncryptBool(ctx context.Context, v bool) (domain.Ciphertext, error) {
	var n uint64
	if v {
		n = 1
	}
	return e.Encrypt(ctx, n)
}

// Add returns a handle to the sum of the two operands.
func (e *LocalEngine) Add(ctx context.Context, a, b domain.Ciphertext) (domain.Ciphertext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops.Add++

	av, err := e.openLocked(a)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	bv, err := e.openLocked(b)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	return e.sealLocked(av + bv)
}

// Select returns ifTrue when cond seals a non-zero value and ifFalse
// otherwise. Both branches are opened unconditionally so timing does not
// depend on cond.
func (e *LocalEngine) Select(ctx context.Context, cond, ifTrue, ifFalse domain.Ciphertext) (domain.Ciphertext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops.Select++

	cv, err := e.openLocked(cond)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	tv, err := e.openLocked(ifTrue)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	fv, err := e.openLocked(ifFalse)
	if err != nil {
		return domain.Ciphertext{}, err
	}

	out := fv
	if cv != 0 {
		out = tv
	}
	return e.sealLocked(out)
}

// Allow grants account user-side decryption of ct. Access never propagates
// through Add or Select results; each derived handle needs its own grant.
func (e *LocalEngine) Allow(ctx context.Context, ct domain.Ciphertext, account common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops.Allow++

	ent, ok := e.entries[ct]
	if !ok {
		return domain.ErrCiphertextUnknown
	}
	ent.acl[account] = true
	return nil
}

// RequestPublicReveal starts an asynchronous reveal of ct and returns a
// handle to poll.
func (e *LocalEngine) RequestPublicReveal(ctx context.Context, ct domain.Ciphertext) (domain.RevealHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.entries[ct]; !ok {
		return "", domain.ErrCiphertextUnknown
	}

	h := domain.RevealHandle(uuid.NewString())
	e.reveals[h] = pendingReveal{handle: ct, requestedAt: e.now()}

	e.log.InfoContext(ctx, "reveal requested",
		slog.String("handle", string(h)),
		slog.String("ciphertext", ct.Hex()),
	)
	return h, nil
}

// FetchRevealed polls an outstanding reveal. ready stays false until the
// simulated gateway delay has elapsed.
func (e *LocalEngine) FetchRevealed(ctx context.Context, h domain.RevealHandle) (uint64, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pr, ok := e.reveals[h]
	if !ok {
		return 0, false, domain.ErrCiphertextUnknown
	}
	if e.now().Sub(pr.requestedAt) < e.delay {
		return 0, false, nil
	}

	v, err := e.openLocked(pr.handle)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// UserDecrypt opens ct for the proven account. The proof signature must
// recover to an address that both matches proof.Account and appears on the
// handle's access list.
func (e *LocalEngine) UserDecrypt(ctx context.Context, ct domain.Ciphertext, proof domain.AccountProof) (uint64, error) {
	if err := VerifyUserDecrypt(ct, proof.Account, proof.Signature); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.entries[ct]
	if !ok {
		return 0, domain.ErrCiphertextUnknown
	}
	if !ent.acl[proof.Account] {
		return 0, domain.ErrUnauthorized
	}
	return e.openLocked(ct)
}

// Ops returns a snapshot of the operation tallies.
func (e *LocalEngine) Ops() OpCounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ops
}

// --------------------------------------------------------------------------
// Sealing internals
// --------------------------------------------------------------------------

func (e *LocalEngine) sealLocked(value uint64) (domain.Ciphertext, error) {
	aead, err := chacha20poly1305.New(e.key[:])
	if err != nil {
		return domain.Ciphertext{}, fmt.Errorf("fhe: cipher init: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return domain.Ciphertext{}, fmt.Errorf("fhe: nonce: %w", err)
	}

	var plain [8]byte
	binary.BigEndian.PutUint64(plain[:], value)
	sealed := aead.Seal(nil, nonce, plain[:], nil)

	var ct domain.Ciphertext
	copy(ct[:], ethcrypto.Keccak256(nonce, sealed))
	e.entries[ct] = &entry{
		nonce:  nonce,
		sealed: sealed,
		acl:    make(map[common.Address]bool),
	}
	return ct, nil
}

func (e *LocalEngine) openLocked(ct domain.Ciphertext) (uint64, error) {
	ent, ok := e.entries[ct]
	if !ok {
		return 0, domain.ErrCiphertextUnknown
	}

	aead, err := chacha20poly1305.New(e.key[:])
	if err != nil {
		return 0, fmt.Errorf("fhe: cipher init: %w", err)
	}
	plain, err := aead.Open(nil, ent.nonce, ent.sealed, nil)
	if err != nil {
		return 0, fmt.Errorf("fhe: opening sealed value: %w", err)
	}
	return binary.BigEndian.Uint64(plain), nil
}

// --------------------------------------------------------------------------
// User-decrypt proof digest
// --------------------------------------------------------------------------

// UserDecryptDigest returns the 32-byte digest an account signs to prove it
// may open a handle.
func UserDecryptDigest(ct domain.Ciphertext, account common.Address) []byte {
	return ethcrypto.Keccak256(
		userDecryptTypeHash,
		ct[:],
		common.LeftPadBytes(account.Bytes(), 32),
	)
}

// SignUserDecrypt produces the 65-byte proof signature for a handle using
// the account's private key. The recovery byte is normalized to {27,28}.
func SignUserDecrypt(ct domain.Ciphertext, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := ethcrypto.Sign(UserDecryptDigest(ct, ethcrypto.PubkeyToAddress(key.PublicKey)), key)
	if err != nil {
		return nil, fmt.Errorf("fhe: signing user-decrypt digest: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// VerifyUserDecrypt checks that sig is account's signature over the
// user-decrypt digest for ct. It tolerates both {0,1} and {27,28} recovery
// bytes.
func VerifyUserDecrypt(ct domain.Ciphertext, account common.Address, sig []byte) error {
	if len(sig) != 65 {
		return domain.ErrUnauthorized
	}

	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(UserDecryptDigest(ct, account), norm)
	if err != nil {
		return domain.ErrUnauthorized
	}
	if ethcrypto.PubkeyToAddress(*pub) != account {
		return domain.ErrUnauthorized
	}
	return nil
}
