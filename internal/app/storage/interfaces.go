package storage

import (
	"context"

	"github.com/tokenbridge/relayer/internal/app/domain/deposit"
	"github.com/tokenbridge/relayer/internal/app/domain/relayer"
	"github.com/tokenbridge/relayer/internal/app/domain/withdrawal"
)

// DepositStore persists deposit records. Implementations must reject updates
// to records already in a terminal status.
type DepositStore interface {
	CreateDeposit(ctx context.Context, dep deposit.Deposit) (deposit.Deposit, error)
	UpdateDeposit(ctx context.Context, dep deposit.Deposit) (deposit.Deposit, error)
	GetDeposit(ctx context.Context, id string) (deposit.Deposit, error)
	// ListDeposits filters by status; an empty status returns everything.
	ListDeposits(ctx context.Context, status deposit.Status) ([]deposit.Deposit, error)
}

// WithdrawalStore persists withdrawal records.
type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, w withdrawal.Withdrawal) (withdrawal.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w withdrawal.Withdrawal) (withdrawal.Withdrawal, error)
	GetWithdrawal(ctx context.Context, id string) (withdrawal.Withdrawal, error)
	ListWithdrawals(ctx context.Context, status withdrawal.Status) ([]withdrawal.Withdrawal, error)
	// ListLockedWithdrawals returns withdrawals awaiting the payout leg.
	ListLockedWithdrawals(ctx context.Context) ([]withdrawal.Withdrawal, error)
}

// RelayerStore persists relayer compensation accounts.
type RelayerStore interface {
	GetRelayerAccount(ctx context.Context, address string) (relayer.Account, error)
	PutRelayerAccount(ctx context.Context, acct relayer.Account) (relayer.Account, error)
	ListRelayerAccounts(ctx context.Context) ([]relayer.Account, error)
}
