package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BetSubmission is a wager as it arrives at the engine: two ciphertext
// handles produced client-side plus the attestation binding them to the
// bettor and this market. The engine never learns the amount or the side.
type BetSubmission struct {
	MarketID  string
	Account   common.Address
	EncAmount Ciphertext
	EncSide   Ciphertext // encrypted bool, true = yes
	Proof     BetAttestation
}

// BetAttestation is the client-side proof accompanying a bet. It asserts
// that EncAmount encrypts a value within [MinBet, MaxBet] and that both
// handles were produced for this account and market. Signature is a 65-byte
// secp256k1 signature over the attestation digest.
type BetAttestation struct {
	MinBet    uint64
	MaxBet    uint64
	Signature []byte
}

// BetReceipt is the public acknowledgement returned after a bet is
// accepted. It intentionally carries no amount or side.
type BetReceipt struct {
	MarketID   string
	Account    common.Address
	BetCount   int64
	AcceptedAt time.Time
}
