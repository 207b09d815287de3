// Package proof implements the client-side attestation that binds a bet's
// ciphertext handles to a bettor, a market, and a declared amount range.
// The digest layout follows the EIP-712 pattern: pre-computed type hashes,
// a cached domain separator, and a \x19\x01-prefixed final hash.
package proof

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/secretpredictions/engine/internal/domain"
)

var (
	// EIP712Domain(string name,string version,string instanceId)
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,string instanceId)"),
	)

	// BetAttestation(string marketId,address account,bytes32 amountHandle,bytes32 sideHandle,uint64 minBet,uint64 maxBet)
	betTypeHash = ethcrypto.Keccak256(
		[]byte("BetAttestation(string marketId,address account,bytes32 amountHandle,bytes32 sideHandle,uint64 minBet,uint64 maxBet)"),
	)
)

// domainSeparator binds attestations to one engine instance so a proof for
// a staging deployment cannot be replayed against production.
func domainSeparator(instanceID string) []byte {
	return ethcrypto.Keccak256(
		domainTypeHash,
		ethcrypto.Keccak256([]byte("SecretPredictions")),
		ethcrypto.Keccak256([]byte("1")),
		ethcrypto.Keccak256([]byte(instanceID)),
	)
}

// BetDigest returns the 32-byte digest a bettor signs over a submission.
func BetDigest(instanceID string, sub domain.BetSubmission) []byte {
	structHash := ethcrypto.Keccak256(
		betTypeHash,
		ethcrypto.Keccak256([]byte(sub.MarketID)),
		common.LeftPadBytes(sub.Account.Bytes(), 32),
		sub.EncAmount[:],
		sub.EncSide[:],
		uint64To32Bytes(sub.Proof.MinBet),
		uint64To32Bytes(sub.Proof.MaxBet),
	)
	return ethcrypto.Keccak256(
		[]byte{0x19, 0x01},
		domainSeparator(instanceID),
		structHash,
	)
}

// Verifier checks bet attestations for one engine instance.
type Verifier struct {
	instanceID string
}

// NewVerifier creates a Verifier bound to instanceID.
func NewVerifier(instanceID string) *Verifier {
	return &Verifier{instanceID: instanceID}
}

// VerifyBet checks that the submission's attestation signature recovers to
// the submitting account. It returns ErrInvalidProof on any mismatch.
func (v *Verifier) VerifyBet(sub domain.BetSubmission) error {
	sig := sub.Proof.Signature
	if len(sig) != 65 {
		return domain.ErrInvalidProof
	}
	if sub.Proof.MinBet > sub.Proof.MaxBet {
		return domain.ErrInvalidProof
	}

	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(BetDigest(v.instanceID, sub), norm)
	if err != nil {
		return domain.ErrInvalidProof
	}
	if ethcrypto.PubkeyToAddress(*pub) != sub.Account {
		return domain.ErrInvalidProof
	}
	return nil
}

// Attestor signs bet attestations. It is the client-side counterpart of
// Verifier, used by the CLI bettor tooling and by tests.
type Attestor struct {
	instanceID string
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewAttestor creates an Attestor from a hex-encoded secp256k1 private key.
func NewAttestor(instanceID, privateKeyHex string) (*Attestor, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("proof: invalid private key: %w", err)
	}
	return NewAttestorFromKey(instanceID, pk), nil
}

// NewAttestorFromKey creates an Attestor from an in-memory key.
func NewAttestorFromKey(instanceID string, pk *ecdsa.PrivateKey) *Attestor {
	return &Attestor{
		instanceID: instanceID,
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}
}

// Address returns the account the attestor signs for.
func (a *Attestor) Address() common.Address {
	return a.address
}

// Attest fills in the attestation on sub and signs it. The submission's
// Account must match the attestor's address.
func (a *Attestor) Attest(sub *domain.BetSubmission, minBet, maxBet uint64) error {
	if sub.Account != a.address {
		return fmt.Errorf("proof: submission account %s does not match attestor %s",
			sub.Account.Hex(), a.address.Hex())
	}
	sub.Proof.MinBet = minBet
	sub.Proof.MaxBet = maxBet

	sig, err := ethcrypto.Sign(BetDigest(a.instanceID, *sub), a.privateKey)
	if err != nil {
		return fmt.Errorf("proof: signing attestation: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	sub.Proof.Signature = sig
	return nil
}

// uint64To32Bytes returns a 32-byte big-endian representation of n.
func uint64To32Bytes(n uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(n).Bytes(), 32)
}
