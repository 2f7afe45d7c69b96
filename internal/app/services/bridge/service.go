// Package bridge owns the deposit and withdrawal registry: it validates
// confirmations and attestations, submits mints and debits to the ledger
// contract, and maps contract rejections onto the relay's error taxonomy.
package bridge

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/tokenbridge/relayer/internal/addr"
	"github.com/tokenbridge/relayer/internal/app/domain/alerting"
	"github.com/tokenbridge/relayer/internal/app/domain/deposit"
	"github.com/tokenbridge/relayer/internal/app/domain/withdrawal"
	"github.com/tokenbridge/relayer/internal/app/fault"
	"github.com/tokenbridge/relayer/internal/app/metrics"
	"github.com/tokenbridge/relayer/internal/app/services/alerts"
	"github.com/tokenbridge/relayer/internal/app/storage"
	"github.com/tokenbridge/relayer/internal/attestation"
	"github.com/tokenbridge/relayer/internal/ledger"
	"github.com/tokenbridge/relayer/pkg/logger"
)

// Config bounds the bridge's behaviour.
type Config struct {
	// SourceChain names the chain withdrawals pay out on; the destination
	// address of a withdrawal is validated against this chain's rules.
	SourceChain string
}

// Service is the bridge relay. Processing of a given deposit id is
// serialized with a per-id lock so concurrent submissions cannot double-mint.
type Service struct {
	deposits    storage.DepositStore
	withdrawals storage.WithdrawalStore
	contract    ledger.Contract
	signers     *attestation.SignerSet
	validators  *addr.Registry
	notifier    alerts.Notifier
	log         *logger.Logger
	sourceChain string

	attestor *ecdsa.PrivateKey
	locks    keyedMutex
}

// New constructs the bridge relay.
func New(cfg Config, deposits storage.DepositStore, withdrawals storage.WithdrawalStore,
	contract ledger.Contract, signers *attestation.SignerSet, validators *addr.Registry,
	notifier alerts.Notifier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("bridge")
	}
	if notifier == nil {
		notifier = alerts.NopNotifier{}
	}
	if validators == nil {
		validators = addr.NewRegistry()
	}
	sourceChain := strings.ToLower(strings.TrimSpace(cfg.SourceChain))
	if sourceChain == "" {
		sourceChain = "neo"
	}
	return &Service{
		deposits:    deposits,
		withdrawals: withdrawals,
		contract:    contract,
		signers:     signers,
		validators:  validators,
		notifier:    notifier,
		log:         log,
		sourceChain: sourceChain,
	}
}

// WithAttestor gives the relay a local attestation key. When configured, a
// confirmed deposit without a stored signature is attested in-process; the
// key's address must be in the authorized signer set.
func (s *Service) WithAttestor(key *ecdsa.PrivateKey) *Service {
	s.attestor = key
	return s
}

// AddDeposit registers a deposit keyed by its content-derived id.
// Re-registration with identical content is a no-op; divergent content for
// an existing id is a conflict.
func (s *Service) AddDeposit(ctx context.Context, dep deposit.Deposit) (deposit.Deposit, error) {
	if strings.TrimSpace(dep.ID) == "" {
		return deposit.Deposit{}, fault.New(fault.Validation, "INVALID_DEPOSIT", "deposit id is required")
	}
	if dep.Amount == nil || dep.Amount.Sign() <= 0 {
		return deposit.Deposit{}, fault.New(fault.Validation, "INVALID_DEPOSIT", "deposit amount must be positive")
	}
	if !common.IsHexAddress(dep.DestAddress) {
		return deposit.Deposit{}, fault.Newf(fault.Validation, "INVALID_DEPOSIT", "invalid destination address %q", dep.DestAddress)
	}

	if existing, err := s.deposits.GetDeposit(ctx, dep.ID); err == nil {
		if existing.Equivalent(dep) {
			return existing, nil
		}
		return deposit.Deposit{}, fault.Newf(fault.StateConflict, "CONFLICTING_DEPOSIT",
			"deposit %s already registered with different content", dep.ID)
	} else if fault.KindOf(err) != fault.NotFound {
		return deposit.Deposit{}, err
	}

	dep.Status = deposit.StatusPending
	if dep.FirstSeenAt.IsZero() {
		dep.FirstSeenAt = time.Now().UTC()
	}
	created, err := s.deposits.CreateDeposit(ctx, dep)
	if err != nil {
		// A concurrent registration may have won the race; fall back to the
		// idempotence check.
		if fault.KindOf(err) == fault.StateConflict {
			if existing, getErr := s.deposits.GetDeposit(ctx, dep.ID); getErr == nil && existing.Equivalent(dep) {
				return existing, nil
			}
		}
		return deposit.Deposit{}, err
	}
	s.log.WithField("deposit_id", created.ID).WithField("amount", created.Amount.String()).
		Info("deposit registered")
	return created, nil
}

// GetDeposit returns a deposit by id.
func (s *Service) GetDeposit(ctx context.Context, id string) (deposit.Deposit, error) {
	return s.deposits.GetDeposit(ctx, id)
}

// MarkConfirmed transitions a pending deposit to confirmed once the monitor
// has seen enough confirmations.
func (s *Service) MarkConfirmed(ctx context.Context, id string, confirmations uint64) (deposit.Deposit, error) {
	unlock := s.locks.lock(strings.ToLower(id))
	defer unlock()

	dep, err := s.deposits.GetDeposit(ctx, id)
	if err != nil {
		return deposit.Deposit{}, err
	}
	dep.Confirmations = confirmations
	if dep.Status == deposit.StatusPending {
		dep.Status = deposit.StatusConfirmed
	}
	return s.deposits.UpdateDeposit(ctx, dep)
}

// Abandon marks a non-terminal deposit failed. Used by the monitor's
// pending-deposit sweep once a deposit has waited past its confirmation TTL.
func (s *Service) Abandon(ctx context.Context, id, reason string) (deposit.Deposit, error) {
	unlock := s.locks.lock(strings.ToLower(id))
	defer unlock()

	dep, err := s.deposits.GetDeposit(ctx, id)
	if err != nil {
		return deposit.Deposit{}, err
	}
	if dep.Status.Terminal() {
		return dep, fault.Newf(fault.StateConflict, "ALREADY_RESOLVED", "deposit %s is %s", id, dep.Status)
	}
	return s.failDeposit(ctx, dep, reason), nil
}

// ProcessDeposit submits a confirmed deposit to the ledger for minting.
// The call is not auto-retried: retrying a financial mint risks duplication,
// so any resubmission is a deliberate caller decision after confirming
// non-completion.
func (s *Service) ProcessDeposit(ctx context.Context, id string) (deposit.Deposit, error) {
	unlock := s.locks.lock(strings.ToLower(id))
	defer unlock()

	dep, err := s.deposits.GetDeposit(ctx, id)
	if err != nil {
		return deposit.Deposit{}, err
	}

	switch dep.Status {
	case deposit.StatusCompleted:
		return dep, fault.Wrap(fault.StateConflict, "ALREADY_PROCESSED",
			"deposit already minted", ledger.ErrAlreadyProcessed)
	case deposit.StatusFailed:
		return dep, fault.Newf(fault.StateConflict, "DEPOSIT_FAILED", "deposit %s already failed: %s", id, dep.FailureReason)
	case deposit.StatusPending:
		return dep, fault.New(fault.StateConflict, "INSUFFICIENT_CONFIRMATIONS", "Insufficient confirmations")
	}

	destAddress := common.HexToAddress(dep.DestAddress)
	depositID := common.HexToHash(dep.ID)

	signature := dep.AttestationSignature
	if len(signature) == 0 && s.attestor != nil {
		signature, err = attestation.Sign(s.attestor, destAddress, dep.Amount, depositID)
		if err != nil {
			return dep, fault.Wrap(fault.FatalInvariant, "ATTESTATION_FAILED", "local attestation failed", err)
		}
	}

	signer, recoverErr := attestation.RecoverSigner(signature, destAddress, dep.Amount, depositID)
	if recoverErr != nil || s.signers == nil || !s.signers.Authorized(signer) {
		dep = s.failDeposit(ctx, dep, "attestation signature does not recover to an authorized signer")
		return dep, fault.Wrap(fault.Authorization, "INVALID_SIGNATURE",
			"attestation rejected", ledger.ErrInvalidSignature)
	}
	dep.AttestationSignature = signature

	if err := s.contract.ProcessDeposit(ctx, dep.DestAddress, dep.Amount, dep.ID, signature); err != nil {
		return s.handleContractRejection(ctx, dep, err)
	}

	dep.Status = deposit.StatusCompleted
	dep.ProcessedAt = time.Now().UTC()
	updated, err := s.deposits.UpdateDeposit(ctx, dep)
	if err != nil {
		// The mint succeeded but the record did not persist; this must never
		// pass silently, the id would otherwise be submittable again.
		s.notifier.Notify("Deposit record mismatch",
			"mint succeeded but completion persist failed for "+dep.ID,
			alerting.SeverityCritical)
		return dep, fault.Wrap(fault.FatalInvariant, "PERSIST_FAILED", "mint succeeded, record update failed", err)
	}
	metrics.RecordDepositOutcome("completed", updated.ProcessedAt.Sub(updated.FirstSeenAt))
	s.log.WithField("deposit_id", updated.ID).Info("deposit minted")
	return updated, nil
}

func (s *Service) handleContractRejection(ctx context.Context, dep deposit.Deposit, err error) (deposit.Deposit, error) {
	switch {
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		// The contract has minted this id before; reconcile our record.
		dep.Status = deposit.StatusCompleted
		dep.ProcessedAt = time.Now().UTC()
		if _, updateErr := s.deposits.UpdateDeposit(ctx, dep); updateErr != nil {
			s.log.WithError(updateErr).WithField("deposit_id", dep.ID).Warn("reconcile completed deposit failed")
		}
		return dep, fault.Wrap(fault.StateConflict, "ALREADY_PROCESSED", "deposit already minted", err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		dep = s.failDeposit(ctx, dep, "amount outside ledger bounds")
		return dep, fault.Wrap(fault.Validation, "INVALID_AMOUNT", "ledger rejected amount", err)
	case errors.Is(err, ledger.ErrInvalidSignature):
		dep = s.failDeposit(ctx, dep, "ledger rejected attestation signature")
		return dep, fault.Wrap(fault.Authorization, "INVALID_SIGNATURE", "ledger rejected attestation", err)
	case errors.Is(err, ledger.ErrSystemPaused):
		// Not a deposit defect; leave the record confirmed for a later
		// deliberate resubmission.
		return dep, fault.Wrap(fault.CircuitBreaker, "SYSTEM_PAUSED", "ledger is paused", err)
	default:
		s.notifier.Notify("Unexpected ledger rejection",
			"deposit "+dep.ID+": "+err.Error(), alerting.SeverityCritical)
		return dep, fault.Wrap(fault.FatalInvariant, "LEDGER_REVERT", "unexpected ledger rejection", err)
	}
}

func (s *Service) failDeposit(ctx context.Context, dep deposit.Deposit, reason string) deposit.Deposit {
	dep.Status = deposit.StatusFailed
	dep.ProcessedAt = time.Now().UTC()
	dep.FailureReason = reason
	updated, err := s.deposits.UpdateDeposit(ctx, dep)
	if err != nil {
		s.log.WithError(err).WithField("deposit_id", dep.ID).Warn("persist failed deposit status")
		return dep
	}
	metrics.RecordDepositOutcome("failed", 0)
	return updated
}

// RequestWithdrawal validates and debits a withdrawal, leaving it locked
// pending the external payout leg.
func (s *Service) RequestWithdrawal(ctx context.Context, requester, destChainAddress string, amount *big.Int) (withdrawal.Withdrawal, error) {
	if strings.TrimSpace(requester) == "" {
		return withdrawal.Withdrawal{}, fault.New(fault.Validation, "INVALID_REQUESTER", "requester is required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return withdrawal.Withdrawal{}, fault.New(fault.Validation, "INVALID_AMOUNT", "withdrawal amount must be positive")
	}
	if err := s.validators.Validate(s.sourceChain, destChainAddress); err != nil {
		return withdrawal.Withdrawal{}, fault.Wrap(fault.Validation, "INVALID_ADDRESS",
			"destination address failed "+s.sourceChain+" rules", err)
	}

	w := withdrawal.Withdrawal{
		ID:                     uuid.NewString(),
		Requester:              requester,
		DestSourceChainAddress: strings.TrimSpace(destChainAddress),
		Amount:                 new(big.Int).Set(amount),
		Fee:                    big.NewInt(0),
		Status:                 withdrawal.StatusRequested,
		RequestedAt:            time.Now().UTC(),
	}
	w, err := s.withdrawals.CreateWithdrawal(ctx, w)
	if err != nil {
		return withdrawal.Withdrawal{}, err
	}

	fee, err := s.contract.RequestWithdrawal(ctx, requester, w.DestSourceChainAddress, amount)
	if err != nil {
		w.Status = withdrawal.StatusRefunded
		w.ResolvedAt = time.Now().UTC()
		w.FailureReason = "debit rejected: " + err.Error()
		if _, updateErr := s.withdrawals.UpdateWithdrawal(ctx, w); updateErr != nil {
			s.log.WithError(updateErr).WithField("withdrawal_id", w.ID).Warn("persist rejected withdrawal")
		}
		metrics.RecordWithdrawalOutcome("rejected")
		return withdrawal.Withdrawal{}, mapWithdrawalError(err)
	}

	w.Fee = fee
	w.Status = withdrawal.StatusLocked
	locked, err := s.withdrawals.UpdateWithdrawal(ctx, w)
	if err != nil {
		s.notifier.Notify("Withdrawal record mismatch",
			"funds debited but lock persist failed for "+w.ID, alerting.SeverityCritical)
		return withdrawal.Withdrawal{}, fault.Wrap(fault.FatalInvariant, "PERSIST_FAILED", "debit succeeded, record update failed", err)
	}
	metrics.RecordWithdrawalOutcome("locked")
	s.log.WithField("withdrawal_id", locked.ID).WithField("amount", amount.String()).
		Info("withdrawal locked")
	return locked, nil
}

// GetWithdrawal returns a withdrawal by id.
func (s *Service) GetWithdrawal(ctx context.Context, id string) (withdrawal.Withdrawal, error) {
	return s.withdrawals.GetWithdrawal(ctx, id)
}

// CompleteWithdrawal resolves a locked withdrawal after its payout leg
// finished. A failed payout refunds the debited amount net of the retained
// fee back to the requester.
func (s *Service) CompleteWithdrawal(ctx context.Context, id string, success bool, message string) (withdrawal.Withdrawal, error) {
	w, err := s.withdrawals.GetWithdrawal(ctx, id)
	if err != nil {
		return withdrawal.Withdrawal{}, err
	}
	if w.Status != withdrawal.StatusLocked {
		return w, fault.Newf(fault.StateConflict, "NOT_LOCKED", "withdrawal %s is %s", id, w.Status)
	}

	if success {
		w.Status = withdrawal.StatusPaid
	} else {
		refund := new(big.Int).Sub(w.Amount, w.Fee)
		if refund.Sign() > 0 {
			if err := s.contract.RefundWithdrawal(ctx, w.Requester, refund); err != nil {
				s.notifier.Notify("Withdrawal refund failed",
					"refund for "+w.ID+" failed: "+err.Error(), alerting.SeverityCritical)
				return w, fault.Wrap(fault.FatalInvariant, "REFUND_FAILED", "compensating credit failed", err)
			}
		}
		w.Status = withdrawal.StatusRefunded
		w.FailureReason = message
	}
	w.ResolvedAt = time.Now().UTC()

	resolved, err := s.withdrawals.UpdateWithdrawal(ctx, w)
	if err != nil {
		return withdrawal.Withdrawal{}, err
	}
	metrics.RecordWithdrawalOutcome(string(resolved.Status))
	s.log.WithField("withdrawal_id", resolved.ID).WithField("status", string(resolved.Status)).
		Info("withdrawal resolved")
	return resolved, nil
}

func mapWithdrawalError(err error) error {
	var short *ledger.InsufficientBalanceError
	switch {
	case errors.Is(err, ledger.ErrInsufficientFee):
		return fault.Wrap(fault.Validation, "INSUFFICIENT_FEE", "amount must exceed the withdrawal fee", err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fault.Wrap(fault.Validation, "INVALID_AMOUNT", "ledger rejected amount", err)
	case errors.Is(err, ledger.ErrSystemPaused):
		return fault.Wrap(fault.CircuitBreaker, "SYSTEM_PAUSED", "ledger is paused", err)
	case errors.As(err, &short):
		return fault.Wrap(fault.Validation, "INSUFFICIENT_BALANCE", short.Error(), err).
			WithDetail("requested", short.Requested.String()).
			WithDetail("available", short.Available.String())
	default:
		return fault.Wrap(fault.FatalInvariant, "LEDGER_REVERT", "unexpected ledger rejection", err)
	}
}
