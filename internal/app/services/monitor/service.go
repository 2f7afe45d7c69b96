// Package monitor watches the source chain: it registers candidate deposits
// keyed by their source transaction, tracks confirmation counts against the
// finality threshold, and keeps operational health telemetry.
package monitor

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/tokenbridge/relayer/internal/app/domain/alerting"
	"github.com/tokenbridge/relayer/internal/app/domain/deposit"
	"github.com/tokenbridge/relayer/internal/app/fault"
	"github.com/tokenbridge/relayer/internal/app/metrics"
	"github.com/tokenbridge/relayer/internal/app/services/alerts"
	"github.com/tokenbridge/relayer/internal/app/services/bridge"
	"github.com/tokenbridge/relayer/internal/app/services/feeoracle"
	"github.com/tokenbridge/relayer/internal/chain"
	"github.com/tokenbridge/relayer/pkg/logger"
)

const defaultErrorRing = 100

// DepositInfo describes a candidate deposit observed on the source chain.
type DepositInfo struct {
	SourceAddress string
	DestAddress   string
	Amount        *big.Int
	// Nonce disambiguates repeat transfers of the same amount between the
	// same pair of addresses.
	Nonce uint64
}

// Result is the outcome of a confirmation check.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrorRecord is one entry in the bounded error history.
type ErrorRecord struct {
	Time     time.Time
	Message  string
	Severity alerting.Severity
}

// Config bounds the monitor's behaviour.
type Config struct {
	RequiredConfirmations uint64
	// PendingTTL abandons deposits that never reach finality. Zero keeps the
	// 72h default.
	PendingTTL time.Duration
	// ErrorHistory bounds the error ring. Zero keeps the default of 100.
	ErrorHistory int
	// Gas bounds mirrored from the oracle, used only for the health check.
	MinGasPrice *big.Int
	MaxGasPrice *big.Int
}

// Service is the chain monitor.
type Service struct {
	cfg      Config
	provider chain.Provider
	bridge   *bridge.Service
	oracle   *feeoracle.Service
	notifier alerts.Notifier
	log      *logger.Logger

	mu       sync.Mutex
	tracked  map[string]trackedDeposit // keyed by lowercased source txID
	errRing  []ErrorRecord
	errNext  int
	errCount int

	alertMu   sync.Mutex
	lastAlert *ErrorRecord
}

type trackedDeposit struct {
	info      DepositInfo
	depositID string
}

// New creates a chain monitor.
func New(cfg Config, provider chain.Provider, relay *bridge.Service, oracle *feeoracle.Service,
	notifier alerts.Notifier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("monitor")
	}
	if notifier == nil {
		notifier = alerts.NopNotifier{}
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 6
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 72 * time.Hour
	}
	if cfg.ErrorHistory <= 0 {
		cfg.ErrorHistory = defaultErrorRing
	}
	return &Service{
		cfg:      cfg,
		provider: provider,
		bridge:   relay,
		oracle:   oracle,
		notifier: notifier,
		log:      log,
		tracked:  make(map[string]trackedDeposit),
		errRing:  make([]ErrorRecord, cfg.ErrorHistory),
	}
}

// AddDepositInfo registers a candidate deposit for a source transaction.
// Re-registration with identical info is a no-op; divergent info for an
// already-tracked transaction is a conflict.
func (s *Service) AddDepositInfo(ctx context.Context, txID string, info DepositInfo) (string, error) {
	key := strings.ToLower(strings.TrimSpace(txID))
	if key == "" {
		return "", fault.New(fault.Validation, "INVALID_TX", "transaction id is required")
	}
	if info.Amount == nil || info.Amount.Sign() <= 0 {
		return "", fault.New(fault.Validation, "INVALID_DEPOSIT", "deposit amount must be positive")
	}

	s.mu.Lock()
	if existing, ok := s.tracked[key]; ok {
		if sameInfo(existing.info, info) {
			s.mu.Unlock()
			return existing.depositID, nil
		}
		s.mu.Unlock()
		return "", fault.Newf(fault.StateConflict, "CONFLICTING_DEPOSIT",
			"transaction %s already tracked with different deposit info", txID)
	}
	s.mu.Unlock()

	id := deposit.DeriveID(info.SourceAddress, info.Amount, info.DestAddress, info.Nonce)
	_, err := s.bridge.AddDeposit(ctx, deposit.Deposit{
		ID:            id,
		SourceAddress: info.SourceAddress,
		DestAddress:   info.DestAddress,
		Amount:        new(big.Int).Set(info.Amount),
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	// A concurrent registration may have raced us past the first check.
	if existing, ok := s.tracked[key]; ok {
		s.mu.Unlock()
		if sameInfo(existing.info, info) {
			return existing.depositID, nil
		}
		return "", fault.Newf(fault.StateConflict, "CONFLICTING_DEPOSIT",
			"transaction %s already tracked with different deposit info", txID)
	}
	s.tracked[key] = trackedDeposit{info: cloneInfo(info), depositID: id}
	s.mu.Unlock()

	s.log.WithField("tx_id", txID).WithField("deposit_id", id).Info("deposit candidate tracked")
	return id, nil
}

// ProcessTransaction checks the confirmation count for a tracked transaction.
// Below the threshold it reports failure without touching state, leaving the
// caller (or the poll loop) to try again later; at or above the threshold the
// deposit is confirmed and handed to the bridge for minting.
func (s *Service) ProcessTransaction(ctx context.Context, txID string) (Result, error) {
	key := strings.ToLower(strings.TrimSpace(txID))
	s.mu.Lock()
	tracked, ok := s.tracked[key]
	s.mu.Unlock()
	if !ok {
		return Result{}, fault.Newf(fault.NotFound, "NOT_FOUND", "transaction %s is not tracked", txID)
	}

	info, err := s.provider.GetTransaction(ctx, txID)
	if err != nil {
		s.RecordError(err, alerting.SeverityWarning)
		return Result{}, err
	}

	if info.Confirmations < s.cfg.RequiredConfirmations {
		return Result{Success: false, Error: "Insufficient confirmations"}, nil
	}

	if _, err := s.bridge.MarkConfirmed(ctx, tracked.depositID, info.Confirmations); err != nil {
		return Result{}, err
	}
	if _, err := s.bridge.ProcessDeposit(ctx, tracked.depositID); err != nil {
		// Replay of an already-minted deposit still counts as done for the
		// poll loop; anything else surfaces.
		if fault.CodeOf(err) == "ALREADY_PROCESSED" {
			s.untrack(key)
			return Result{Success: true}, nil
		}
		s.RecordError(err, severityFor(err))
		return Result{Success: false, Error: err.Error()}, err
	}

	s.untrack(key)
	return Result{Success: true}, nil
}

// RecordError appends to the bounded error history; the oldest entry drops
// when the ring is full. Critical entries fire an asynchronous alert. Never
// panics: telemetry must not take down the poll loop.
func (s *Service) RecordError(err error, severity alerting.Severity) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Errorf("recordError panicked: %v", r)
		}
	}()
	if err == nil {
		return
	}
	rec := ErrorRecord{Time: time.Now().UTC(), Message: err.Error(), Severity: severity}

	s.mu.Lock()
	s.errRing[s.errNext] = rec
	s.errNext = (s.errNext + 1) % len(s.errRing)
	if s.errCount < len(s.errRing) {
		s.errCount++
	}
	s.mu.Unlock()

	metrics.RecordMonitorError(string(severity))
	if severity == alerting.SeverityCritical {
		s.alertMu.Lock()
		recCopy := rec
		s.lastAlert = &recCopy
		s.alertMu.Unlock()
		s.notifier.Notify("Chain monitor critical error", rec.Message, alerting.SeverityCritical)
	}
}

// RecentErrors returns the error history, newest last.
func (s *Service) RecentErrors() []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ErrorRecord, 0, s.errCount)
	start := s.errNext - s.errCount
	for i := 0; i < s.errCount; i++ {
		idx := (start + i + len(s.errRing)) % len(s.errRing)
		out = append(out, s.errRing[idx])
	}
	return out
}

// LastAlert returns the most recent critical entry that fired an alert.
func (s *Service) LastAlert() *ErrorRecord {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	if s.lastAlert == nil {
		return nil
	}
	rec := *s.lastAlert
	return &rec
}

func (s *Service) untrack(key string) {
	s.mu.Lock()
	delete(s.tracked, key)
	s.mu.Unlock()
}

func severityFor(err error) alerting.Severity {
	if fault.KindOf(err) == fault.FatalInvariant {
		return alerting.SeverityCritical
	}
	return alerting.SeverityWarning
}

func sameInfo(a, b DepositInfo) bool {
	if !strings.EqualFold(a.SourceAddress, b.SourceAddress) ||
		!strings.EqualFold(a.DestAddress, b.DestAddress) ||
		a.Nonce != b.Nonce {
		return false
	}
	if a.Amount == nil || b.Amount == nil {
		return a.Amount == b.Amount
	}
	return a.Amount.Cmp(b.Amount) == 0
}

func cloneInfo(info DepositInfo) DepositInfo {
	out := info
	if info.Amount != nil {
		out.Amount = new(big.Int).Set(info.Amount)
	}
	return out
}
