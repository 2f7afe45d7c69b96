// Package ledger models the destination-chain bridge contract surface. The
// interface, error identities, and revert-reason text are fixed by the
// deployed contract and must be preserved bit-exact.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Error identities exposed by the contract. Callers match on these with
// errors.Is; the relay maps them to its own error taxonomy at the boundary.
var (
	ErrInvalidAmount           = errors.New("InvalidAmount")
	ErrInvalidSignature        = errors.New("InvalidSignature")
	ErrAlreadyProcessed        = errors.New("AlreadyProcessed")
	ErrInvalidGasPrice         = errors.New("InvalidGasPrice")
	ErrSuspiciousPriceMovement = errors.New("SuspiciousPriceMovement")
	ErrDailyLimitExceeded      = errors.New("DailyLimitExceeded")
	ErrTransferFailed          = errors.New("TransferFailed")
	ErrSystemPaused            = errors.New("SystemPaused")
	ErrUnauthorized            = errors.New("Unauthorized")
	ErrInsufficientFee         = errors.New("InsufficientFee")
)

// Revert-reason strings the contract emits for require failures. Fixed text.
const (
	RevertTooSoon       = "Too soon to update"
	RevertMultiplierLow = "Multiplier must be >= 100"
	RevertMultiplierHi  = "Multiplier must be <= 150"
)

// InsufficientBalanceError mirrors the contract's InsufficientBalance(requested,
// available) error with its carried values.
type InsufficientBalanceError struct {
	Requested *big.Int
	Available *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("InsufficientBalance(%s, %s)", e.Requested, e.Available)
}

// Contract is the fixed surface of the deployed bridge contract.
type Contract interface {
	// ProcessDeposit mints the wrapped representation for a confirmed deposit.
	// The contract independently re-checks amount bounds, verifies the
	// attestation signature, and enforces replay protection on the id.
	ProcessDeposit(ctx context.Context, destAddress string, amount *big.Int, id string, signature []byte) error

	// RequestWithdrawal burns the caller's wrapped balance, retaining the fee,
	// and records the obligation to pay out on the source chain.
	RequestWithdrawal(ctx context.Context, requester string, destChainAddress string, amount *big.Int) (fee *big.Int, err error)

	// RefundWithdrawal credits a failed payout back to the requester.
	RefundWithdrawal(ctx context.Context, requester string, amount *big.Int) error

	// BalanceOf reports the wrapped-token balance tracked for an address.
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
}

// TokenBank is the slice of the contract the fee oracle settles relayer
// compensation against: a pooled token balance funding withdrawals.
type TokenBank interface {
	// PoolBalance reports the funds available to pay relayer withdrawals.
	PoolBalance(ctx context.Context) (*big.Int, error)

	// PayOut transfers accrued compensation out of the pool to a relayer.
	PayOut(ctx context.Context, to string, amount *big.Int) error
}
