package attestation

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)

	dest := common.HexToAddress("0x1111111111111111111111111111111111111111")
	amount := big.NewInt(1_000_000)
	id := common.HexToHash("0xdeadbeef")

	sig, err := Sign(key, dest, amount, id)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	recovered, err := RecoverSigner(sig, dest, amount, id)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != signer {
		t.Fatalf("recovered %s, want %s", recovered, signer)
	}

	// On-chain encodings use V in {27,28}; both forms must recover.
	shifted := append([]byte(nil), sig...)
	shifted[crypto.RecoveryIDOffset] += 27
	recovered, err = RecoverSigner(shifted, dest, amount, id)
	if err != nil || recovered != signer {
		t.Fatalf("V+27 form: recovered %s err %v", recovered, err)
	}
}

func TestRecoverSigner_TupleBinding(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := crypto.PubkeyToAddress(key.PublicKey)

	dest := common.HexToAddress("0x1111111111111111111111111111111111111111")
	id := common.HexToHash("0x01")
	sig, err := Sign(key, dest, big.NewInt(100), id)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// A valid signature over a different tuple recovers a different address.
	recovered, err := RecoverSigner(sig, dest, big.NewInt(200), id)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered == signer {
		t.Fatal("tampered amount must not recover the original signer")
	}

	if _, err := RecoverSigner([]byte{1, 2, 3}, dest, big.NewInt(100), id); err == nil {
		t.Fatal("malformed signature must error")
	}
}

func TestSignerSet(t *testing.T) {
	if _, err := NewSignerSet("not-hex"); err == nil {
		t.Fatal("invalid address must be rejected")
	}

	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")
	set, err := NewSignerSet(a.Hex())
	if err != nil {
		t.Fatalf("signer set: %v", err)
	}
	if !set.Authorized(a) || set.Authorized(b) {
		t.Fatal("allow-list membership wrong")
	}

	set.Add(b)
	if !set.Authorized(b) || set.Len() != 2 {
		t.Fatal("add failed")
	}
	set.Remove(a)
	if set.Authorized(a) || set.Len() != 1 {
		t.Fatal("remove failed")
	}
}
