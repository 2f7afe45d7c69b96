package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tokenbridge/relayer/internal/app/domain/deposit"
	"github.com/tokenbridge/relayer/internal/app/domain/relayer"
	"github.com/tokenbridge/relayer/internal/app/domain/withdrawal"
	"github.com/tokenbridge/relayer/internal/app/fault"
	"github.com/tokenbridge/relayer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local runs.
type Store struct {
	mu          sync.RWMutex
	deposits    map[string]deposit.Deposit
	withdrawals map[string]withdrawal.Withdrawal
	relayers    map[string]relayer.Account
}

var _ storage.DepositStore = (*Store)(nil)
var _ storage.WithdrawalStore = (*Store)(nil)
var _ storage.RelayerStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		deposits:    make(map[string]deposit.Deposit),
		withdrawals: make(map[string]withdrawal.Withdrawal),
		relayers:    make(map[string]relayer.Account),
	}
}

// DepositStore implementation -------------------------------------------------

func (s *Store) CreateDeposit(_ context.Context, dep deposit.Deposit) (deposit.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(dep.ID)
	if key == "" {
		return deposit.Deposit{}, fmt.Errorf("deposit id is required")
	}
	if _, exists := s.deposits[key]; exists {
		return deposit.Deposit{}, fault.Newf(fault.StateConflict, "CONFLICTING_DEPOSIT", "deposit %s already exists", dep.ID)
	}
	if dep.FirstSeenAt.IsZero() {
		dep.FirstSeenAt = time.Now().UTC()
	}
	s.deposits[key] = dep.Clone()
	return dep.Clone(), nil
}

func (s *Store) UpdateDeposit(_ context.Context, dep deposit.Deposit) (deposit.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(dep.ID)
	original, ok := s.deposits[key]
	if !ok {
		return deposit.Deposit{}, fault.Newf(fault.NotFound, "NOT_FOUND", "deposit %s not found", dep.ID)
	}
	if original.Status.Terminal() {
		return deposit.Deposit{}, fault.Newf(fault.StateConflict, "ALREADY_PROCESSED", "deposit %s is %s and immutable", dep.ID, original.Status)
	}
	dep.FirstSeenAt = original.FirstSeenAt
	s.deposits[key] = dep.Clone()
	return dep.Clone(), nil
}

func (s *Store) GetDeposit(_ context.Context, id string) (deposit.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dep, ok := s.deposits[strings.ToLower(id)]
	if !ok {
		return deposit.Deposit{}, fault.Newf(fault.NotFound, "NOT_FOUND", "deposit %s not found", id)
	}
	return dep.Clone(), nil
}

func (s *Store) ListDeposits(_ context.Context, status deposit.Status) ([]deposit.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]deposit.Deposit, 0, len(s.deposits))
	for _, dep := range s.deposits {
		if status != "" && dep.Status != status {
			continue
		}
		out = append(out, dep.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out, nil
}

// WithdrawalStore implementation ----------------------------------------------

func (s *Store) CreateWithdrawal(_ context.Context, w withdrawal.Withdrawal) (withdrawal.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == "" {
		return withdrawal.Withdrawal{}, fmt.Errorf("withdrawal id is required")
	}
	if _, exists := s.withdrawals[w.ID]; exists {
		return withdrawal.Withdrawal{}, fault.Newf(fault.StateConflict, "CONFLICTING_WITHDRAWAL", "withdrawal %s already exists", w.ID)
	}
	if w.RequestedAt.IsZero() {
		w.RequestedAt = time.Now().UTC()
	}
	s.withdrawals[w.ID] = w.Clone()
	return w.Clone(), nil
}

func (s *Store) UpdateWithdrawal(_ context.Context, w withdrawal.Withdrawal) (withdrawal.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.withdrawals[w.ID]
	if !ok {
		return withdrawal.Withdrawal{}, fault.Newf(fault.NotFound, "NOT_FOUND", "withdrawal %s not found", w.ID)
	}
	if original.Status.Terminal() {
		return withdrawal.Withdrawal{}, fault.Newf(fault.StateConflict, "ALREADY_RESOLVED", "withdrawal %s is %s and immutable", w.ID, original.Status)
	}
	w.RequestedAt = original.RequestedAt
	s.withdrawals[w.ID] = w.Clone()
	return w.Clone(), nil
}

func (s *Store) GetWithdrawal(_ context.Context, id string) (withdrawal.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return withdrawal.Withdrawal{}, fault.Newf(fault.NotFound, "NOT_FOUND", "withdrawal %s not found", id)
	}
	return w.Clone(), nil
}

func (s *Store) ListWithdrawals(_ context.Context, status withdrawal.Status) ([]withdrawal.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]withdrawal.Withdrawal, 0, len(s.withdrawals))
	for _, w := range s.withdrawals {
		if status != "" && w.Status != status {
			continue
		}
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *Store) ListLockedWithdrawals(ctx context.Context) ([]withdrawal.Withdrawal, error) {
	return s.ListWithdrawals(ctx, withdrawal.StatusLocked)
}

// RelayerStore implementation -------------------------------------------------

func (s *Store) GetRelayerAccount(_ context.Context, address string) (relayer.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.relayers[strings.ToLower(address)]
	if !ok {
		return relayer.Account{}, fault.Newf(fault.NotFound, "NOT_FOUND", "relayer %s not found", address)
	}
	return acct.Clone(), nil
}

func (s *Store) PutRelayerAccount(_ context.Context, acct relayer.Account) (relayer.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(acct.Address)
	if key == "" {
		return relayer.Account{}, fmt.Errorf("relayer address is required")
	}
	now := time.Now().UTC()
	if original, ok := s.relayers[key]; ok {
		acct.CreatedAt = original.CreatedAt
	} else if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now
	s.relayers[key] = acct.Clone()
	return acct.Clone(), nil
}

func (s *Store) ListRelayerAccounts(_ context.Context) ([]relayer.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]relayer.Account, 0, len(s.relayers))
	for _, acct := range s.relayers {
		out = append(out, acct.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}
