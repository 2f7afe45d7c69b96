// Package withdrawal defines the withdrawal record for value leaving the
// destination ledger back to the source chain.
package withdrawal

import (
	"math/big"
	"time"
)

// Status is the lifecycle state of a withdrawal.
type Status string

const (
	StatusRequested Status = "requested"
	StatusLocked    Status = "locked"
	StatusPaid      Status = "paid"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusRefunded
}

// Withdrawal tracks a user's request to redeem wrapped value back to a
// source-chain address. Funds are debited (fee retained) when the record
// enters locked; the payout leg resolves it to paid or refunded.
type Withdrawal struct {
	ID                     string
	Requester              string
	DestSourceChainAddress string
	Amount                 *big.Int
	Fee                    *big.Int
	Status                 Status
	RequestedAt            time.Time
	ResolvedAt             time.Time
	FailureReason          string
}

// Clone returns a deep copy safe to hand across store boundaries.
func (w Withdrawal) Clone() Withdrawal {
	out := w
	if w.Amount != nil {
		out.Amount = new(big.Int).Set(w.Amount)
	}
	if w.Fee != nil {
		out.Fee = new(big.Int).Set(w.Fee)
	}
	return out
}
