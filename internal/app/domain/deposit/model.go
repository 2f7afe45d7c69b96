// Package deposit defines the deposit record relayed from the source chain
// to the destination ledger.
package deposit

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// Status is the lifecycle state of a deposit.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Deposit is a value transfer observed on the source chain, pending a mint
// on the destination ledger. The ID is content-derived and immutable; once a
// deposit reaches a terminal status the whole record is immutable.
type Deposit struct {
	ID                   string
	SourceAddress        string
	DestAddress          string
	Amount               *big.Int
	Confirmations        uint64
	Status               Status
	FirstSeenAt          time.Time
	ProcessedAt          time.Time
	AttestationSignature []byte
	FailureReason        string
}

// Clone returns a deep copy so stores can hand out records without aliasing.
func (d Deposit) Clone() Deposit {
	out := d
	if d.Amount != nil {
		out.Amount = new(big.Int).Set(d.Amount)
	}
	if d.AttestationSignature != nil {
		out.AttestationSignature = append([]byte(nil), d.AttestationSignature...)
	}
	return out
}

// Equivalent reports whether two records describe the same observed transfer.
// Used for idempotent re-registration checks.
func (d Deposit) Equivalent(other Deposit) bool {
	if !strings.EqualFold(d.SourceAddress, other.SourceAddress) {
		return false
	}
	if !strings.EqualFold(d.DestAddress, other.DestAddress) {
		return false
	}
	if d.Amount == nil || other.Amount == nil {
		return d.Amount == other.Amount
	}
	return d.Amount.Cmp(other.Amount) == 0
}

// DeriveID computes the canonical deposit identifier: the keccak256 hash of
// the sender, the amount as a 32-byte big-endian word, the destination
// address, and the source-chain nonce. Globally unique for distinct
// transfers, stable across re-observation of the same one.
func DeriveID(sourceAddress string, amount *big.Int, destAddress string, nonce uint64) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.ToLower(sourceAddress)))

	var word [32]byte
	if amount != nil {
		amount.FillBytes(word[:])
	}
	h.Write(word[:])

	h.Write([]byte(strings.ToLower(destAddress)))

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	h.Write(n[:])

	return "0x" + hex.EncodeToString(h.Sum(nil))
}
