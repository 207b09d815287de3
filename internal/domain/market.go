package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MicroUnit is the fixed-point scale for all monetary amounts: one display
// unit equals 1e6 micro-units. Plaintext amounts behind ciphertexts use the
// same scale.
const MicroUnit uint64 = 1_000_000

// MarketState represents the lifecycle state of a market.
type MarketState string

const (
	MarketStateOpen      MarketState = "open"
	MarketStateLocked    MarketState = "locked"
	MarketStateResolved  MarketState = "resolved"
	MarketStateCancelled MarketState = "cancelled"
)

// Terminal reports whether no further transitions may leave the state.
func (s MarketState) Terminal() bool {
	return s == MarketStateResolved || s == MarketStateCancelled
}

// Market is a binary-outcome prediction market with confidential pools. The
// encrypted pool handles accumulate homomorphically as bets are accepted;
// the revealed fields stay nil until the post-resolution public reveal
// completes.
type Market struct {
	ID          string
	Question    string
	Description string
	EndTime     time.Time
	Oracle      common.Address
	State       MarketState
	Outcome     *bool // set exactly once, at resolution

	EncYesPool Ciphertext
	EncNoPool  Ciphertext

	RevealedYesPool *uint64
	RevealedNoPool  *uint64

	// In-flight reveal handles; empty until RequestPublicReveal is issued.
	YesReveal RevealHandle
	NoReveal  RevealHandle

	// Public counters for UI display only. They carry no monetary
	// information.
	BetCount    int64
	BettorCount int64

	CreatedAt  time.Time
	ResolvedAt *time.Time
	UpdatedAt  time.Time
}

// BettingOpen reports whether a bet submitted at now would be accepted.
func (m *Market) BettingOpen(now time.Time) bool {
	return m.State == MarketStateOpen && now.Before(m.EndTime)
}

// Endable reports whether the market has passed its end time.
func (m *Market) Endable(now time.Time) bool {
	return !now.Before(m.EndTime)
}

// Revealed reports whether both plaintext pools have been published.
func (m *Market) Revealed() bool {
	return m.RevealedYesPool != nil && m.RevealedNoPool != nil
}

// RevealRequested reports whether a public reveal has been issued to the
// gateway (whether or not it has completed).
func (m *Market) RevealRequested() bool {
	return m.YesReveal != "" && m.NoReveal != ""
}
