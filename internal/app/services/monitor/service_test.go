package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tokenbridge/relayer/internal/addr"
	"github.com/tokenbridge/relayer/internal/app/domain/alerting"
	"github.com/tokenbridge/relayer/internal/app/domain/deposit"
	"github.com/tokenbridge/relayer/internal/app/fault"
	"github.com/tokenbridge/relayer/internal/app/services/bridge"
	"github.com/tokenbridge/relayer/internal/app/services/feeoracle"
	"github.com/tokenbridge/relayer/internal/app/storage/memory"
	"github.com/tokenbridge/relayer/internal/attestation"
	"github.com/tokenbridge/relayer/internal/chain"
	"github.com/tokenbridge/relayer/internal/ledger"
)

const destAddress = "0x2222222222222222222222222222222222222222"

type stubProvider struct {
	confirmations uint64
	txErr         error
	pingErr       error
}

func (p *stubProvider) GetTransaction(ctx context.Context, txID string) (chain.TxInfo, error) {
	if p.txErr != nil {
		return chain.TxInfo{}, p.txErr
	}
	return chain.TxInfo{Confirmations: p.confirmations, Amount: big.NewInt(100), SenderAddress: "sender"}, nil
}

func (p *stubProvider) GasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(100), nil
}

func (p *stubProvider) BlockHeight(ctx context.Context) (uint64, error) { return 1, nil }

func (p *stubProvider) Ping(ctx context.Context) error { return p.pingErr }

type countingNotifier struct {
	count int
}

func (n *countingNotifier) Notify(title, message string, severity alerting.Severity) { n.count++ }

type fixture struct {
	mon      *Service
	provider *stubProvider
	relay    *bridge.Service
	oracle   *feeoracle.Service
	notifier *countingNotifier
	contract *ledger.Simulated
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signers, err := attestation.NewSignerSet(crypto.PubkeyToAddress(key.PublicKey).Hex())
	if err != nil {
		t.Fatalf("signer set: %v", err)
	}
	contract := ledger.NewSimulated(ledger.SimulatedConfig{
		MinDeposit: big.NewInt(1),
		MaxDeposit: big.NewInt(1_000_000),
	}, signers)

	store := memory.New()
	relay := bridge.New(bridge.Config{SourceChain: "test"}, store, store, contract, signers,
		addr.NewRegistry(), nil, nil).WithAttestor(key)

	oracle := feeoracle.New(feeoracle.Config{
		MinGasPrice: big.NewInt(10),
		MaxGasPrice: big.NewInt(1000),
	}, store, contract, nil, nil)

	provider := &stubProvider{}
	notifier := &countingNotifier{}
	mon := New(Config{
		RequiredConfirmations: 6,
		MinGasPrice:           big.NewInt(10),
		MaxGasPrice:           big.NewInt(1000),
	}, provider, relay, oracle, notifier, nil)

	return &fixture{mon: mon, provider: provider, relay: relay, oracle: oracle, notifier: notifier, contract: contract}
}

func info(amount int64) DepositInfo {
	return DepositInfo{
		SourceAddress: "sender",
		DestAddress:   destAddress,
		Amount:        big.NewInt(amount),
		Nonce:         7,
	}
}

func TestAddDepositInfo_Idempotent(t *testing.T) {
	f := newFixture(t)

	id, err := f.mon.AddDepositInfo(context.Background(), "0xabc", info(100))
	if err != nil {
		t.Fatalf("add deposit info: %v", err)
	}

	again, err := f.mon.AddDepositInfo(context.Background(), "0xABC", info(100))
	if err != nil {
		t.Fatalf("identical re-registration must be a no-op: %v", err)
	}
	if again != id {
		t.Fatalf("re-registration returned %s, want %s", again, id)
	}

	_, err = f.mon.AddDepositInfo(context.Background(), "0xabc", info(200))
	if fault.CodeOf(err) != "CONFLICTING_DEPOSIT" {
		t.Fatalf("expected CONFLICTING_DEPOSIT, got %v", err)
	}
}

func TestProcessTransaction_ConfirmationGate(t *testing.T) {
	f := newFixture(t)
	id, err := f.mon.AddDepositInfo(context.Background(), "0xabc", info(100))
	if err != nil {
		t.Fatalf("add deposit info: %v", err)
	}

	f.provider.confirmations = 2
	result, err := f.mon.ProcessTransaction(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Success {
		t.Fatal("2 of 6 confirmations must not process")
	}
	if result.Error != "Insufficient confirmations" {
		t.Fatalf("error %q, want %q", result.Error, "Insufficient confirmations")
	}
	dep, err := f.relay.GetDeposit(context.Background(), id)
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if dep.Status != deposit.StatusPending {
		t.Fatalf("insufficient confirmations must leave state unchanged, got %s", dep.Status)
	}

	f.provider.confirmations = 6
	result, err = f.mon.ProcessTransaction(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("process at threshold: %v", err)
	}
	if !result.Success {
		t.Fatalf("6 of 6 confirmations must process, got %+v", result)
	}
	dep, _ = f.relay.GetDeposit(context.Background(), id)
	if dep.Status != deposit.StatusCompleted {
		t.Fatalf("status %s, want completed", dep.Status)
	}
	balance, _ := f.contract.BalanceOf(context.Background(), destAddress)
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("minted %s, want 100", balance)
	}
}

func TestProcessTransaction_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.mon.ProcessTransaction(context.Background(), "0xmissing")
	if fault.KindOf(err) != fault.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRecordError_Ring(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < defaultErrorRing+10; i++ {
		f.mon.RecordError(fmt.Errorf("error %d", i), alerting.SeverityWarning)
	}
	recent := f.mon.RecentErrors()
	if len(recent) != defaultErrorRing {
		t.Fatalf("ring holds %d entries, want %d", len(recent), defaultErrorRing)
	}
	// Oldest entries dropped: the first surviving entry is number 10.
	if recent[0].Message != "error 10" {
		t.Fatalf("oldest surviving entry %q, want %q", recent[0].Message, "error 10")
	}
	if recent[len(recent)-1].Message != fmt.Sprintf("error %d", defaultErrorRing+9) {
		t.Fatalf("newest entry %q unexpected", recent[len(recent)-1].Message)
	}

	// nil errors are ignored, never panic.
	f.mon.RecordError(nil, alerting.SeverityCritical)
	if f.notifier.count != 0 {
		t.Fatalf("nil error must not alert, got %d", f.notifier.count)
	}
}

func TestRecordError_CriticalAlerts(t *testing.T) {
	f := newFixture(t)

	f.mon.RecordError(errors.New("rpc wedged"), alerting.SeverityCritical)
	if f.notifier.count != 1 {
		t.Fatalf("critical error must alert, got %d", f.notifier.count)
	}
	last := f.mon.LastAlert()
	if last == nil || last.Message != "rpc wedged" {
		t.Fatalf("last alert pointer not updated: %+v", last)
	}

	f.mon.RecordError(errors.New("minor"), alerting.SeverityWarning)
	if f.notifier.count != 1 {
		t.Fatalf("warnings must not alert, got %d", f.notifier.count)
	}
}

func TestHealthStatus(t *testing.T) {
	f := newFixture(t)

	// No gas price observed yet: unhealthy.
	status := f.mon.HealthStatus(context.Background())
	if status.Healthy {
		t.Fatalf("expected unhealthy before first price, got %+v", status)
	}
	if status.Checks["gas_price"].OK {
		t.Fatal("gas_price check must fail with no observation")
	}

	if err := f.oracle.ApplyGasPrice(big.NewInt(100)); err != nil {
		t.Fatalf("apply price: %v", err)
	}
	status = f.mon.HealthStatus(context.Background())
	if !status.Healthy || status.Status != "healthy" {
		t.Fatalf("expected healthy, got %+v", status)
	}

	f.provider.pingErr = errors.New("connection refused")
	status = f.mon.HealthStatus(context.Background())
	if status.Healthy {
		t.Fatal("provider failure must flip health")
	}
	if status.Checks["provider"].OK {
		t.Fatal("provider check must fail")
	}

	f.provider.pingErr = nil
	f.mon.RecordError(errors.New("invariant broken"), alerting.SeverityCritical)
	status = f.mon.HealthStatus(context.Background())
	if status.Checks["errors"].OK {
		t.Fatal("recent critical errors must fail the error check")
	}
}

func TestPoller_SweepsExpiredDeposits(t *testing.T) {
	f := newFixture(t)
	f.mon.cfg.PendingTTL = time.Millisecond

	id, err := f.mon.AddDepositInfo(context.Background(), "0xold", info(100))
	if err != nil {
		t.Fatalf("add deposit info: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	p := NewPoller(f.mon, time.Second, nil)
	p.tick(context.Background())

	dep, err := f.relay.GetDeposit(context.Background(), id)
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if dep.Status != deposit.StatusFailed {
		t.Fatalf("expired deposit status %s, want failed", dep.Status)
	}
}
