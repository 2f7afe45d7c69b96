// Package attestation builds and verifies the signed message that authorizes
// minting a confirmed deposit on the destination ledger. The message binds
// the exact tuple (destination address, amount, deposit id); the signer is
// recovered with secp256k1 and compared against an explicit allow-list.
package attestation

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Message computes the canonical attestation digest for a deposit: the
// keccak256 hash of destAddress || amount (32-byte word) || id, wrapped in
// the standard signed-message prefix so wallet-produced signatures verify.
func Message(destAddress common.Address, amount *big.Int, id common.Hash) []byte {
	var word [32]byte
	if amount != nil {
		amount.FillBytes(word[:])
	}
	inner := crypto.Keccak256(destAddress.Bytes(), word[:], id.Bytes())
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(inner))
	return crypto.Keccak256([]byte(prefix), inner)
}

// Sign produces an attestation signature over the deposit tuple.
func Sign(key *ecdsa.PrivateKey, destAddress common.Address, amount *big.Int, id common.Hash) ([]byte, error) {
	return crypto.Sign(Message(destAddress, amount, id), key)
}

// RecoverSigner recovers the address that signed the attestation for the
// given tuple. A malformed signature returns an error; a valid signature for
// a different tuple recovers a different (unauthorized) address.
func RecoverSigner(sig []byte, destAddress common.Address, amount *big.Int, id common.Hash) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	// Normalise the recovery id: on-chain signatures use V in {27,28}.
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(Message(destAddress, amount, id), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignerSet is the explicit allow-list of authorized attestation signers.
type SignerSet struct {
	mu      sync.RWMutex
	signers map[common.Address]struct{}
}

// NewSignerSet builds an allow-list from hex addresses. Invalid addresses
// are rejected so a typo cannot silently shrink the set.
func NewSignerSet(addresses ...string) (*SignerSet, error) {
	set := &SignerSet{signers: make(map[common.Address]struct{}, len(addresses))}
	for _, raw := range addresses {
		trimmed := strings.TrimSpace(raw)
		if !common.IsHexAddress(trimmed) {
			return nil, fmt.Errorf("invalid signer address %q", raw)
		}
		set.signers[common.HexToAddress(trimmed)] = struct{}{}
	}
	return set, nil
}

// Authorized reports whether the address is in the allow-list.
func (s *SignerSet) Authorized(addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.signers[addr]
	return ok
}

// Add inserts a signer into the allow-list.
func (s *SignerSet) Add(addr common.Address) {
	s.mu.Lock()
	s.signers[addr] = struct{}{}
	s.mu.Unlock()
}

// Remove deletes a signer from the allow-list.
func (s *SignerSet) Remove(addr common.Address) {
	s.mu.Lock()
	delete(s.signers, addr)
	s.mu.Unlock()
}

// Len returns the number of authorized signers.
func (s *SignerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.signers)
}
