package proof

import (
	"errors"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/secretpredictions/engine/internal/domain"
)

func TestAttestAndVerify(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	att := NewAttestorFromKey("prod-1", key)

	sub := domain.BetSubmission{
		MarketID:  "mkt-1",
		Account:   att.Address(),
		EncAmount: domain.Ciphertext{1},
		EncSide:   domain.Ciphertext{2},
	}
	if err := att.Attest(&sub, domain.MicroUnit, 1000*domain.MicroUnit); err != nil {
		t.Fatalf("Attest: %v", err)
	}

	if err := NewVerifier("prod-1").VerifyBet(sub); err != nil {
		t.Fatalf("VerifyBet: %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	att := NewAttestorFromKey("prod-1", key)

	base := domain.BetSubmission{
		MarketID:  "mkt-1",
		Account:   att.Address(),
		EncAmount: domain.Ciphertext{1},
		EncSide:   domain.Ciphertext{2},
	}
	if err := att.Attest(&base, 1, 100); err != nil {
		t.Fatalf("Attest: %v", err)
	}
	v := NewVerifier("prod-1")

	cases := map[string]func(*domain.BetSubmission){
		"market swap":       func(s *domain.BetSubmission) { s.MarketID = "mkt-2" },
		"amount swap":       func(s *domain.BetSubmission) { s.EncAmount = domain.Ciphertext{9} },
		"side swap":         func(s *domain.BetSubmission) { s.EncSide = domain.Ciphertext{9} },
		"range widen":       func(s *domain.BetSubmission) { s.Proof.MaxBet = 1 << 40 },
		"inverted range":    func(s *domain.BetSubmission) { s.Proof.MinBet, s.Proof.MaxBet = 100, 1 },
		"short signature":   func(s *domain.BetSubmission) { s.Proof.Signature = s.Proof.Signature[:64] },
		"account mismatch":  func(s *domain.BetSubmission) { s.Account = domain.BetSubmission{}.Account },
		"signature flipped": func(s *domain.BetSubmission) { s.Proof.Signature[10] ^= 0xff },
	}
	for name, mutate := range cases {
		sub := base
		sub.Proof.Signature = append([]byte(nil), base.Proof.Signature...)
		mutate(&sub)
		if err := v.VerifyBet(sub); !errors.Is(err, domain.ErrInvalidProof) {
			t.Fatalf("%s: err = %v, want ErrInvalidProof", name, err)
		}
	}
}

func TestVerifyRejectsWrongInstance(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	att := NewAttestorFromKey("staging", key)

	sub := domain.BetSubmission{
		MarketID: "mkt-1",
		Account:  att.Address(),
	}
	if err := att.Attest(&sub, 1, 100); err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if err := NewVerifier("prod-1").VerifyBet(sub); !errors.Is(err, domain.ErrInvalidProof) {
		t.Fatalf("cross-instance proof accepted: err = %v", err)
	}
}
