package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tokenbridge/relayer/internal/attestation"
)

// SimulatedConfig configures the in-process contract simulation.
type SimulatedConfig struct {
	MinDeposit    *big.Int
	MaxDeposit    *big.Int
	WithdrawalFee *big.Int
	Owner         string
	PoolFunds     *big.Int
}

// Simulated is an in-process implementation of the contract surface used by
// tests and local runs. It enforces the same bounds, signature, replay, role,
// and pause semantics as the deployed contract, with the same error
// vocabulary, so code exercised against it behaves identically in production.
type Simulated struct {
	mu            sync.Mutex
	minDeposit    *big.Int
	maxDeposit    *big.Int
	withdrawalFee *big.Int
	owner         string
	paused        bool

	signers   *attestation.SignerSet
	balances  map[string]*big.Int
	processed map[string]struct{}
	pool      *big.Int
}

var _ Contract = (*Simulated)(nil)
var _ TokenBank = (*Simulated)(nil)

// NewSimulated builds a simulated contract with the given parameters.
func NewSimulated(cfg SimulatedConfig, signers *attestation.SignerSet) *Simulated {
	min := cfg.MinDeposit
	if min == nil {
		min = big.NewInt(0)
	}
	max := cfg.MaxDeposit
	if max == nil {
		max = new(big.Int).Lsh(big.NewInt(1), 255)
	}
	fee := cfg.WithdrawalFee
	if fee == nil {
		fee = big.NewInt(0)
	}
	pool := cfg.PoolFunds
	if pool == nil {
		pool = big.NewInt(0)
	}
	return &Simulated{
		minDeposit:    new(big.Int).Set(min),
		maxDeposit:    new(big.Int).Set(max),
		withdrawalFee: new(big.Int).Set(fee),
		owner:         strings.ToLower(cfg.Owner),
		signers:       signers,
		balances:      make(map[string]*big.Int),
		processed:     make(map[string]struct{}),
		pool:          new(big.Int).Set(pool),
	}
}

func (s *Simulated) ProcessDeposit(_ context.Context, destAddress string, amount *big.Int, id string, signature []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return ErrSystemPaused
	}
	if amount == nil || amount.Cmp(s.minDeposit) < 0 || amount.Cmp(s.maxDeposit) > 0 {
		return ErrInvalidAmount
	}
	key := normalizeID(id)
	if _, done := s.processed[key]; done {
		return ErrAlreadyProcessed
	}
	if !common.IsHexAddress(destAddress) {
		return ErrInvalidSignature
	}
	signer, err := attestation.RecoverSigner(signature, common.HexToAddress(destAddress), amount, common.HexToHash(id))
	if err != nil || s.signers == nil || !s.signers.Authorized(signer) {
		return ErrInvalidSignature
	}

	s.processed[key] = struct{}{}
	s.credit(destAddress, amount)
	return nil
}

func (s *Simulated) RequestWithdrawal(_ context.Context, requester string, destChainAddress string, amount *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return nil, ErrSystemPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount.Cmp(s.withdrawalFee) <= 0 {
		return nil, ErrInsufficientFee
	}
	if strings.TrimSpace(destChainAddress) == "" {
		return nil, ErrInvalidAmount
	}
	balance := s.balanceLocked(requester)
	if balance.Cmp(amount) < 0 {
		return nil, &InsufficientBalanceError{
			Requested: new(big.Int).Set(amount),
			Available: balance,
		}
	}
	s.debit(requester, amount)
	// The fee stays in the contract; the remainder is owed on the source chain.
	s.pool.Add(s.pool, s.withdrawalFee)
	return new(big.Int).Set(s.withdrawalFee), nil
}

func (s *Simulated) RefundWithdrawal(_ context.Context, requester string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	s.credit(requester, amount)
	return nil
}

func (s *Simulated) BalanceOf(_ context.Context, address string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(address), nil
}

func (s *Simulated) PoolBalance(_ context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.pool), nil
}

func (s *Simulated) PayOut(_ context.Context, to string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrTransferFailed
	}
	if s.pool.Cmp(amount) < 0 {
		return &InsufficientBalanceError{
			Requested: new(big.Int).Set(amount),
			Available: new(big.Int).Set(s.pool),
		}
	}
	s.pool.Sub(s.pool, amount)
	s.credit(to, amount)
	return nil
}

// Pause halts mutating entry points. Owner only.
func (s *Simulated) Pause(caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOwner(caller) {
		return ErrUnauthorized
	}
	s.paused = true
	return nil
}

// Unpause resumes mutating entry points. Owner only.
func (s *Simulated) Unpause(caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOwner(caller) {
		return ErrUnauthorized
	}
	s.paused = false
	return nil
}

// EmergencyWithdraw drains the pool to the owner. Permitted while paused.
func (s *Simulated) EmergencyWithdraw(caller string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOwner(caller) {
		return nil, ErrUnauthorized
	}
	drained := new(big.Int).Set(s.pool)
	s.pool.SetInt64(0)
	s.credit(caller, drained)
	return drained, nil
}

// FundPool seeds the payout pool. Test/local helper.
func (s *Simulated) FundPool(amount *big.Int) {
	s.mu.Lock()
	s.pool.Add(s.pool, amount)
	s.mu.Unlock()
}

// Credit seeds a wrapped-token balance. Test/local helper.
func (s *Simulated) Credit(address string, amount *big.Int) {
	s.mu.Lock()
	s.credit(address, amount)
	s.mu.Unlock()
}

func (s *Simulated) isOwner(caller string) bool {
	return s.owner != "" && strings.ToLower(caller) == s.owner
}

func (s *Simulated) balanceLocked(address string) *big.Int {
	if b, ok := s.balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

func (s *Simulated) credit(address string, amount *big.Int) {
	key := strings.ToLower(address)
	if b, ok := s.balances[key]; ok {
		b.Add(b, amount)
		return
	}
	s.balances[key] = new(big.Int).Set(amount)
}

func (s *Simulated) debit(address string, amount *big.Int) {
	key := strings.ToLower(address)
	if b, ok := s.balances[key]; ok {
		b.Sub(b, amount)
	}
}

func normalizeID(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}
