package domain

import (
	"context"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
)

// Ciphertext is an opaque 32-byte handle referencing an encrypted value held
// by the encryption layer. The engine never sees the plaintext behind a
// handle; it can only combine handles through the FHE interface below.
type Ciphertext [32]byte

// IsZero reports whether the handle is the all-zero (unset) handle.
func (c Ciphertext) IsZero() bool {
	return c == Ciphertext{}
}

// Hex returns the 0x-prefixed hex encoding of the handle.
func (c Ciphertext) Hex() string {
	return "0x" + hex.EncodeToString(c[:])
}

// CiphertextFromHex parses a 0x-prefixed or bare 64-char hex string into a
// handle. It returns ErrInvalidInput on malformed input.
func CiphertextFromHex(s string) (Ciphertext, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return Ciphertext{}, ErrInvalidInput
	}
	var c Ciphertext
	copy(c[:], raw)
	return c, nil
}

// RevealHandle identifies an in-flight public-reveal request at the
// decryption gateway.
type RevealHandle string

// AccountProof authorizes a user-side decryption of a ciphertext the account
// has been allowed on. Signature is a 65-byte secp256k1 signature over the
// user-decrypt digest for (handle, account).
type AccountProof struct {
	Account   common.Address
	Signature []byte
}

// FHE is the encryption capability the engine consumes. All values are
// unsigned 64-bit integers in micro-units (1e6 = one unit); booleans are
// encrypted as 0/1. Every call is fallible and context-aware; public reveals
// complete asynchronously and must be polled via FetchRevealed.
type FHE interface {
	// Encrypt produces a fresh ciphertext of value. The returned handle has
	// an empty access list; call Allow to grant user-side decryption.
	Encrypt(ctx context.Context, value uint64) (Ciphertext, error)

	// EncryptBool encrypts a boolean as 0 or 1.
	EncryptBool(ctx context.Context, v bool) (Ciphertext, error)

	// Add returns a ciphertext of the sum of the two operands.
	Add(ctx context.Context, a, b Ciphertext) (Ciphertext, error)

	// Select returns ifTrue when cond encrypts a non-zero value and ifFalse
	// otherwise, without the engine learning which branch was taken.
	Select(ctx context.Context, cond, ifTrue, ifFalse Ciphertext) (Ciphertext, error)

	// Allow grants account the right to user-decrypt the ciphertext.
	Allow(ctx context.Context, ct Ciphertext, account common.Address) error

	// RequestPublicReveal asks the gateway to publish the plaintext of ct.
	RequestPublicReveal(ctx context.Context, ct Ciphertext) (RevealHandle, error)

	// FetchRevealed polls an outstanding reveal. ready is false while the
	// gateway round-trip is still in flight.
	FetchRevealed(ctx context.Context, h RevealHandle) (value uint64, ready bool, err error)

	// UserDecrypt decrypts ct for the proven account. It fails with
	// ErrUnauthorized unless the account was allowed on the handle and the
	// proof signature checks out.
	UserDecrypt(ctx context.Context, ct Ciphertext, proof AccountProof) (uint64, error)
}
