package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Position is an account's encrypted stake record within one market. Both
// side amounts start at encrypted zero and accumulate across bets; only the
// owning account can decrypt them, and only the engine may mutate them.
type Position struct {
	MarketID string
	Account  common.Address

	EncYesAmount Ciphertext
	EncNoAmount  Ciphertext

	HasPosition bool
	HasClaimed  bool
	BetCount    int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PositionProof authorizes decryption of both side handles of one
// position. Each signature covers the user-decrypt digest of the matching
// handle.
type PositionProof struct {
	Account      common.Address
	YesSignature []byte
	NoSignature  []byte
}

// PositionView is the plaintext view an account obtains of its own
// position after proving ownership.
type PositionView struct {
	MarketID   string
	Account    common.Address
	YesStake   uint64
	NoStake    uint64
	HasClaimed bool
	BetCount   int64
}

// ClaimReceipt records a settled payout for one position. Amounts are
// micro-units; Fee is the platform rake deducted from winnings.
type ClaimReceipt struct {
	MarketID     string
	Account      common.Address
	WinningStake uint64
	Payout       uint64
	Fee          uint64
	Refund       bool // cancelled-market or empty-winning-pool refund path
	ClaimedAt    time.Time
}
