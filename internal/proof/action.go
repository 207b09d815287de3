package proof

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/secretpredictions/engine/internal/domain"
)

// Market lifecycle actions that require a signed attestation.
const (
	ActionResolveYes = "resolve:yes"
	ActionResolveNo  = "resolve:no"
	ActionCancel     = "cancel"
)

// MarketAction(string action,string marketId,address account)
var actionTypeHash = ethcrypto.Keccak256(
	[]byte("MarketAction(string action,string marketId,address account)"),
)

// ActionDigest returns the digest an account signs to authorize a lifecycle
// action on a market.
func ActionDigest(instanceID, action, marketID string, account common.Address) []byte {
	structHash := ethcrypto.Keccak256(
		actionTypeHash,
		ethcrypto.Keccak256([]byte(action)),
		ethcrypto.Keccak256([]byte(marketID)),
		common.LeftPadBytes(account.Bytes(), 32),
	)
	return ethcrypto.Keccak256(
		[]byte{0x19, 0x01},
		domainSeparator(instanceID),
		structHash,
	)
}

// VerifyAction checks that sig is account's signature over the action
// digest. It returns ErrUnauthorized on any mismatch.
func (v *Verifier) VerifyAction(action, marketID string, account common.Address, sig []byte) error {
	if len(sig) != 65 {
		return domain.ErrUnauthorized
	}

	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(ActionDigest(v.instanceID, action, marketID, account), norm)
	if err != nil {
		return domain.ErrUnauthorized
	}
	if ethcrypto.PubkeyToAddress(*pub) != account {
		return domain.ErrUnauthorized
	}
	return nil
}

// SignAction produces the 65-byte signature authorizing a lifecycle action.
// Used by the CLI oracle tooling and by tests.
func SignAction(instanceID, action, marketID string, key *ecdsa.PrivateKey) ([]byte, error) {
	account := ethcrypto.PubkeyToAddress(key.PublicKey)
	sig, err := ethcrypto.Sign(ActionDigest(instanceID, action, marketID, account), key)
	if err != nil {
		return nil, fmt.Errorf("proof: signing action: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
