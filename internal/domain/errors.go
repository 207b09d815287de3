package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Market parameter and lifecycle violations.
	ErrInvalidInput    = errors.New("invalid market parameters")
	ErrInvalidState    = errors.New("operation not legal in current market state")
	ErrMarketNotOpen   = errors.New("market is not open for betting")
	ErrNotYetEndable   = errors.New("market end time has not passed")
	ErrAlreadyResolved = errors.New("market already resolved")
	ErrNotResolved     = errors.New("market not resolved")

	// Authorization and proof failures.
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidProof = errors.New("ciphertext attestation proof invalid")

	// Reveal and claim violations. ErrRevealPending is not a hard failure:
	// the gateway round-trip is still outstanding and the caller should poll.
	ErrNotRevealed    = errors.New("pool not revealed")
	ErrRevealPending  = errors.New("pool reveal pending")
	ErrAlreadyClaimed = errors.New("payout already claimed")
	ErrNoPosition     = errors.New("no position in market")

	ErrCiphertextUnknown = errors.New("unknown ciphertext handle")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
)
