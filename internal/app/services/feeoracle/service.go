// Package feeoracle maintains the gas price quote and pays bounded relayer
// compensation. All contract-like state (quote, balances, daily totals)
// lives behind a single mutex so a cap check and its increment can never
// interleave with another compensation.
package feeoracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/tokenbridge/relayer/internal/app/domain/alerting"
	"github.com/tokenbridge/relayer/internal/app/domain/relayer"
	"github.com/tokenbridge/relayer/internal/app/fault"
	"github.com/tokenbridge/relayer/internal/app/metrics"
	"github.com/tokenbridge/relayer/internal/app/services/alerts"
	"github.com/tokenbridge/relayer/internal/app/storage"
	"github.com/tokenbridge/relayer/internal/ledger"
	"github.com/tokenbridge/relayer/pkg/logger"
)

// Deviation thresholds, in percent. Movement above Reject is refused
// outright; movement above Alert is applied but flagged to operators.
const (
	deviationAlertPct  = 30
	deviationRejectPct = 50
)

const dailyWindow = 24 * time.Hour

// Events receives oracle state-change notifications. Implementations must
// not block; the default sink logs and records metrics.
type Events interface {
	GasPriceUpdated(oldPrice, newPrice *big.Int)
	RelayerCompensated(address string, amount *big.Int)
}

// Config bounds the oracle's behaviour.
type Config struct {
	MinGasPrice    *big.Int
	MaxGasPrice    *big.Int
	UpdateInterval time.Duration
	FeeMultiplier  int64
	DailyCap       *big.Int
	// Admins may pause, unpause, set the multiplier, and emergency-withdraw.
	Admins []string
}

// PriceSource supplies the observed network gas price.
type PriceSource interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// PriceSourceFunc adapts a function to the PriceSource interface.
type PriceSourceFunc func(ctx context.Context) (*big.Int, error)

func (f PriceSourceFunc) GasPrice(ctx context.Context) (*big.Int, error) { return f(ctx) }

// Service implements the gas price oracle and relayer compensation ledger.
type Service struct {
	store    storage.RelayerStore
	bank     ledger.TokenBank
	notifier alerts.Notifier
	events   Events
	log      *logger.Logger
	now      func() time.Time

	mu               sync.Mutex
	price            *big.Int
	lastUpdatedAt    time.Time
	feeMultiplier    int64
	paused           bool
	totalCompensated *big.Int

	minGasPrice    *big.Int
	maxGasPrice    *big.Int
	updateInterval time.Duration
	dailyCap       *big.Int
	admins         map[string]struct{}
}

// New constructs the oracle. Nil events default to a logging sink; a nil
// notifier disables deviation alerts.
func New(cfg Config, store storage.RelayerStore, bank ledger.TokenBank, notifier alerts.Notifier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("feeoracle")
	}
	if notifier == nil {
		notifier = alerts.NopNotifier{}
	}
	mult := cfg.FeeMultiplier
	if mult == 0 {
		mult = 110
	}
	interval := cfg.UpdateInterval
	if interval == 0 {
		interval = 5 * time.Minute
	}
	admins := make(map[string]struct{}, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	svc := &Service{
		store:            store,
		bank:             bank,
		notifier:         notifier,
		log:              log,
		now:              time.Now,
		price:            big.NewInt(0),
		feeMultiplier:    mult,
		totalCompensated: big.NewInt(0),
		minGasPrice:      bigOrZero(cfg.MinGasPrice),
		maxGasPrice:      bigOrZero(cfg.MaxGasPrice),
		updateInterval:   interval,
		dailyCap:         bigOrZero(cfg.DailyCap),
		admins:           admins,
	}
	svc.events = logEvents{log: log}
	return svc
}

// WithEvents replaces the event sink.
func (s *Service) WithEvents(events Events) *Service {
	s.mu.Lock()
	s.events = events
	s.mu.Unlock()
	return s
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// UpdateGasPrice applies an observed network price under the oracle's
// interval and deviation gates. Rejections leave the quote untouched.
func (s *Service) UpdateGasPrice(ctx context.Context, source PriceSource) error {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return fault.Wrap(fault.CircuitBreaker, "SYSTEM_PAUSED", "oracle is paused", ledger.ErrSystemPaused)
	}
	// The interval gate is checked before the provider read so a hot caller
	// cannot burn provider quota.
	if !s.lastUpdatedAt.IsZero() && s.now().Before(s.lastUpdatedAt.Add(s.updateInterval)) {
		s.mu.Unlock()
		metrics.RecordGasPriceUpdate("too_soon", nil)
		return fault.New(fault.StateConflict, "TOO_SOON", ledger.RevertTooSoon)
	}
	s.mu.Unlock()

	observed, err := source.GasPrice(ctx)
	if err != nil {
		metrics.RecordGasPriceUpdate("source_error", nil)
		return err
	}

	return s.ApplyGasPrice(observed)
}

// ApplyGasPrice runs the bounds and deviation gates against an already
// observed price and commits it if acceptable.
func (s *Service) ApplyGasPrice(observed *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return fault.Wrap(fault.CircuitBreaker, "SYSTEM_PAUSED", "oracle is paused", ledger.ErrSystemPaused)
	}
	if !s.lastUpdatedAt.IsZero() && s.now().Before(s.lastUpdatedAt.Add(s.updateInterval)) {
		metrics.RecordGasPriceUpdate("too_soon", nil)
		return fault.New(fault.StateConflict, "TOO_SOON", ledger.RevertTooSoon)
	}
	if observed == nil || observed.Cmp(s.minGasPrice) < 0 || (s.maxGasPrice.Sign() > 0 && observed.Cmp(s.maxGasPrice) > 0) {
		metrics.RecordGasPriceUpdate("out_of_bounds", nil)
		return fault.Wrap(fault.Validation, "INVALID_GAS_PRICE", "observed price outside configured bounds", ledger.ErrInvalidGasPrice)
	}

	oldPrice := new(big.Int).Set(s.price)
	if oldPrice.Sign() > 0 {
		if exceedsDeviation(oldPrice, observed, deviationRejectPct) {
			metrics.RecordGasPriceUpdate("suspicious", nil)
			return fault.Wrap(fault.Validation, "SUSPICIOUS_PRICE_MOVEMENT",
				"price moved more than half since last update", ledger.ErrSuspiciousPriceMovement)
		}
		if exceedsDeviation(oldPrice, observed, deviationAlertPct) {
			s.notifier.Notify("Gas price deviation",
				"gas price moved "+deviationPercent(oldPrice, observed).String()+"% in one update window",
				alerting.SeverityWarning)
		}
	}

	s.price = new(big.Int).Set(observed)
	s.lastUpdatedAt = s.now().UTC()
	metrics.RecordGasPriceUpdate("applied", observed)
	s.events.GasPriceUpdated(oldPrice, new(big.Int).Set(observed))
	return nil
}

// Quote returns the current gas quote. Readers may observe a quote up to one
// update interval stale; that is acceptable.
func (s *Service) Quote() relayer.GasQuote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return relayer.GasQuote{Price: new(big.Int).Set(s.price), LastUpdatedAt: s.lastUpdatedAt}
}

// EstimateFee computes price * gasLimit * multiplier / 100. Pure: it mutates
// nothing and two calls under an unchanged quote return identical results.
func (s *Service) EstimateFee(gasLimit uint64) *big.Int {
	s.mu.Lock()
	price := new(big.Int).Set(s.price)
	mult := s.feeMultiplier
	s.mu.Unlock()
	return scaledCost(price, gasLimit, mult)
}

// FeeMultiplier returns the current multiplier percentage.
func (s *Service) FeeMultiplier() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeMultiplier
}

// SetFeeMultiplier updates the multiplier. Admin only, bounded to [100,150]
// with the contract's exact revert text.
func (s *Service) SetFeeMultiplier(caller string, multiplier int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isAdmin(caller) {
		return fault.Wrap(fault.Authorization, "UNAUTHORIZED", "caller may not set the fee multiplier", ledger.ErrUnauthorized)
	}
	if s.paused {
		return fault.Wrap(fault.CircuitBreaker, "SYSTEM_PAUSED", "oracle is paused", ledger.ErrSystemPaused)
	}
	if multiplier < 100 {
		return fault.New(fault.Validation, "INVALID_MULTIPLIER", ledger.RevertMultiplierLow)
	}
	if multiplier > 150 {
		return fault.New(fault.Validation, "INVALID_MULTIPLIER", ledger.RevertMultiplierHi)
	}
	s.feeMultiplier = multiplier
	return nil
}

// CompensateRelayer credits gas compensation under the daily circuit
// breaker. The cap check and the increments commit atomically; a rejected
// call credits nothing.
func (s *Service) CompensateRelayer(ctx context.Context, address string, gasUsed uint64) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return nil, fault.Wrap(fault.CircuitBreaker, "SYSTEM_PAUSED", "oracle is paused", ledger.ErrSystemPaused)
	}
	if strings.TrimSpace(address) == "" {
		return nil, fault.New(fault.Validation, "INVALID_RELAYER", "relayer address is required")
	}

	acct, err := s.store.GetRelayerAccount(ctx, address)
	if err != nil {
		if fault.KindOf(err) != fault.NotFound {
			return nil, err
		}
		acct = relayer.Account{
			Address:          strings.ToLower(address),
			AccruedBalance:   big.NewInt(0),
			DailyCompensated: big.NewInt(0),
			LastDailyReset:   s.now().UTC(),
		}
	}

	now := s.now().UTC()
	if now.Sub(acct.LastDailyReset) >= dailyWindow {
		acct.DailyCompensated = big.NewInt(0)
		acct.LastDailyReset = now
	}

	compensation := scaledCost(s.price, gasUsed, s.feeMultiplier)
	projected := new(big.Int).Add(acct.DailyCompensated, compensation)
	if s.dailyCap.Sign() > 0 && projected.Cmp(s.dailyCap) > 0 {
		return nil, fault.Wrap(fault.CircuitBreaker, "DAILY_LIMIT_EXCEEDED",
			"compensation would exceed the daily cap", ledger.ErrDailyLimitExceeded)
	}

	acct.DailyCompensated = projected
	acct.AccruedBalance = new(big.Int).Add(acct.AccruedBalance, compensation)
	if _, err := s.store.PutRelayerAccount(ctx, acct); err != nil {
		return nil, err
	}
	s.totalCompensated.Add(s.totalCompensated, compensation)

	metrics.RecordCompensation(compensation)
	s.events.RelayerCompensated(acct.Address, new(big.Int).Set(compensation))
	return compensation, nil
}

// WithdrawBalance zeroes the relayer's accrued balance and pays it out of
// the pooled funds. Atomic with respect to concurrent compensation and
// withdrawal for the same relayer.
func (s *Service) WithdrawBalance(ctx context.Context, address string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return nil, fault.Wrap(fault.CircuitBreaker, "SYSTEM_PAUSED", "oracle is paused", ledger.ErrSystemPaused)
	}

	acct, err := s.store.GetRelayerAccount(ctx, address)
	if err != nil {
		if fault.KindOf(err) == fault.NotFound {
			return nil, insufficientBalance(big.NewInt(0), big.NewInt(0))
		}
		return nil, err
	}
	if acct.AccruedBalance.Sign() == 0 {
		return nil, insufficientBalance(big.NewInt(0), big.NewInt(0))
	}

	requested := new(big.Int).Set(acct.AccruedBalance)
	available, err := s.bank.PoolBalance(ctx)
	if err != nil {
		return nil, err
	}
	if available.Cmp(requested) < 0 {
		return nil, insufficientBalance(requested, available)
	}

	// Zero the balance before the transfer so a concurrent call cannot pay
	// twice; a failed transfer restores it.
	acct.AccruedBalance = big.NewInt(0)
	if _, err := s.store.PutRelayerAccount(ctx, acct); err != nil {
		return nil, err
	}
	if err := s.bank.PayOut(ctx, acct.Address, requested); err != nil {
		acct.AccruedBalance = requested
		if _, restoreErr := s.store.PutRelayerAccount(ctx, acct); restoreErr != nil {
			s.log.WithError(restoreErr).WithField("relayer", acct.Address).
				Error("failed to restore balance after payout failure")
			s.notifier.Notify("Relayer balance mismatch",
				"payout failed and balance restore failed for "+acct.Address,
				alerting.SeverityCritical)
			return nil, fault.Wrap(fault.FatalInvariant, "BALANCE_MISMATCH", "payout and restore both failed", err)
		}
		return nil, fault.Wrap(fault.FatalInvariant, "TRANSFER_FAILED", "pool payout failed", errors.Join(ledger.ErrTransferFailed, err))
	}
	return requested, nil
}

// Balance reports the relayer's accrued balance.
func (s *Service) Balance(ctx context.Context, address string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, err := s.store.GetRelayerAccount(ctx, address)
	if err != nil {
		if fault.KindOf(err) == fault.NotFound {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	return new(big.Int).Set(acct.AccruedBalance), nil
}

// TotalCompensated reports the lifetime compensation paid.
func (s *Service) TotalCompensated() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.totalCompensated)
}

// Pause halts all mutating operations except emergency withdrawal.
func (s *Service) Pause(caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isAdmin(caller) {
		return fault.Wrap(fault.Authorization, "UNAUTHORIZED", "caller may not pause", ledger.ErrUnauthorized)
	}
	s.paused = true
	s.log.WithField("caller", caller).Warn("fee oracle paused")
	return nil
}

// Unpause resumes normal operation.
func (s *Service) Unpause(caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isAdmin(caller) {
		return fault.Wrap(fault.Authorization, "UNAUTHORIZED", "caller may not unpause", ledger.ErrUnauthorized)
	}
	s.paused = false
	s.log.WithField("caller", caller).Info("fee oracle unpaused")
	return nil
}

// Paused reports whether the oracle is paused.
func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// EmergencyWithdraw drains the pooled funds to the given address. Admin
// only; permitted while paused.
func (s *Service) EmergencyWithdraw(ctx context.Context, caller, to string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isAdmin(caller) {
		return nil, fault.Wrap(fault.Authorization, "UNAUTHORIZED", "caller may not emergency-withdraw", ledger.ErrUnauthorized)
	}
	available, err := s.bank.PoolBalance(ctx)
	if err != nil {
		return nil, err
	}
	if available.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := s.bank.PayOut(ctx, to, available); err != nil {
		return nil, fault.Wrap(fault.FatalInvariant, "TRANSFER_FAILED", "emergency payout failed", errors.Join(ledger.ErrTransferFailed, err))
	}
	s.log.WithField("caller", caller).WithField("amount", available.String()).
		Warn("emergency withdrawal executed")
	return available, nil
}

func (s *Service) isAdmin(caller string) bool {
	_, ok := s.admins[strings.ToLower(strings.TrimSpace(caller))]
	return ok
}

// scaledCost computes price * gas * multiplier / 100 in exact integer math.
func scaledCost(price *big.Int, gas uint64, multiplier int64) *big.Int {
	cost := new(big.Int).Mul(price, new(big.Int).SetUint64(gas))
	cost.Mul(cost, big.NewInt(multiplier))
	return cost.Div(cost, big.NewInt(100))
}

// exceedsDeviation reports whether |new-old| / old strictly exceeds pct%.
// Compared as |new-old| * 100 > old * pct so fractional percentages are not
// lost to integer division.
func exceedsDeviation(oldPrice, newPrice *big.Int, pct int64) bool {
	diff := new(big.Int).Sub(newPrice, oldPrice)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(100))
	return diff.Cmp(new(big.Int).Mul(oldPrice, big.NewInt(pct))) > 0
}

// deviationPercent computes |new-old| / old * 100 rounded down, for alert
// messages only.
func deviationPercent(oldPrice, newPrice *big.Int) *big.Int {
	diff := new(big.Int).Sub(newPrice, oldPrice)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(100))
	return diff.Div(diff, oldPrice)
}

func insufficientBalance(requested, available *big.Int) error {
	cause := &ledger.InsufficientBalanceError{Requested: requested, Available: available}
	return fault.Wrap(fault.Validation, "INSUFFICIENT_BALANCE", cause.Error(), cause).
		WithDetail("requested", requested.String()).
		WithDetail("available", available.String())
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

type logEvents struct {
	log *logger.Logger
}

func (e logEvents) GasPriceUpdated(oldPrice, newPrice *big.Int) {
	e.log.WithField("old", oldPrice.String()).WithField("new", newPrice.String()).
		Info("gas price updated")
}

func (e logEvents) RelayerCompensated(address string, amount *big.Int) {
	e.log.WithField("relayer", address).WithField("amount", amount.String()).
		Info("relayer compensated")
}
