package feeoracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/tokenbridge/relayer/internal/app/domain/alerting"
	"github.com/tokenbridge/relayer/internal/app/fault"
	"github.com/tokenbridge/relayer/internal/app/storage/memory"
	"github.com/tokenbridge/relayer/internal/ledger"
)

type stubBank struct {
	pool    *big.Int
	payErr  error
	paidTo  string
	paidAmt *big.Int
}

func (b *stubBank) PoolBalance(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.pool), nil
}

func (b *stubBank) PayOut(ctx context.Context, to string, amount *big.Int) error {
	if b.payErr != nil {
		return b.payErr
	}
	b.paidTo = to
	b.paidAmt = new(big.Int).Set(amount)
	b.pool.Sub(b.pool, amount)
	return nil
}

func newTestService(t *testing.T, cfg Config, bank ledger.TokenBank) *Service {
	t.Helper()
	if cfg.MinGasPrice == nil {
		cfg.MinGasPrice = big.NewInt(1_000_000_000)
	}
	if cfg.MaxGasPrice == nil {
		cfg.MaxGasPrice = big.NewInt(500_000_000_000)
	}
	if bank == nil {
		bank = &stubBank{pool: big.NewInt(0)}
	}
	return New(cfg, memory.New(), bank, nil, nil)
}

func TestUpdateGasPrice_IntervalGate(t *testing.T) {
	svc := newTestService(t, Config{UpdateInterval: 5 * time.Minute}, nil)

	now := time.Unix(1_700_000_000, 0)
	svc.WithClock(func() time.Time { return now })

	if err := svc.ApplyGasPrice(big.NewInt(100_000_000_000)); err != nil {
		t.Fatalf("first update: %v", err)
	}

	now = now.Add(time.Minute)
	err := svc.ApplyGasPrice(big.NewInt(101_000_000_000))
	if err == nil {
		t.Fatal("expected TooSoon before the interval elapses")
	}
	if fault.CodeOf(err) != "TOO_SOON" {
		t.Fatalf("expected TOO_SOON, got %s", fault.CodeOf(err))
	}
	if err.Error() != "TOO_SOON: Too soon to update" {
		t.Fatalf("unexpected revert text: %q", err.Error())
	}
	if got := svc.Quote().Price; got.Cmp(big.NewInt(100_000_000_000)) != 0 {
		t.Fatalf("rejected update must not change the quote, got %s", got)
	}

	now = now.Add(5 * time.Minute)
	if err := svc.ApplyGasPrice(big.NewInt(101_000_000_000)); err != nil {
		t.Fatalf("update after interval: %v", err)
	}
}

func TestApplyGasPrice_Bounds(t *testing.T) {
	svc := newTestService(t, Config{
		MinGasPrice: big.NewInt(10),
		MaxGasPrice: big.NewInt(1000),
	}, nil)

	for _, observed := range []*big.Int{big.NewInt(9), big.NewInt(1001)} {
		err := svc.ApplyGasPrice(observed)
		if err == nil {
			t.Fatalf("expected rejection for %s", observed)
		}
		if !errors.Is(err, ledger.ErrInvalidGasPrice) {
			t.Fatalf("expected InvalidGasPrice identity, got %v", err)
		}
	}
	if got := svc.Quote().Price; got.Sign() != 0 {
		t.Fatalf("quote must stay zero after rejections, got %s", got)
	}
}

func TestApplyGasPrice_Deviation(t *testing.T) {
	alerted := &countingNotifier{}
	svc := New(Config{
		MinGasPrice:    big.NewInt(1),
		MaxGasPrice:    big.NewInt(1_000_000),
		UpdateInterval: time.Minute,
	}, memory.New(), &stubBank{pool: big.NewInt(0)}, alerted, nil)

	now := time.Unix(1_700_000_000, 0)
	svc.WithClock(func() time.Time { return now })

	if err := svc.ApplyGasPrice(big.NewInt(100)); err != nil {
		t.Fatalf("seed price: %v", err)
	}

	// 60% movement: rejected outright.
	now = now.Add(2 * time.Minute)
	err := svc.ApplyGasPrice(big.NewInt(160))
	if !errors.Is(err, ledger.ErrSuspiciousPriceMovement) {
		t.Fatalf("expected SuspiciousPriceMovement for 60%% move, got %v", err)
	}
	if got := svc.Quote().Price; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("rejected deviation must not apply, got %s", got)
	}

	// 40% movement: applied with an alert.
	if err := svc.ApplyGasPrice(big.NewInt(140)); err != nil {
		t.Fatalf("40%% move should apply: %v", err)
	}
	if alerted.count != 1 {
		t.Fatalf("expected one deviation alert, got %d", alerted.count)
	}
	if got := svc.Quote().Price; got.Cmp(big.NewInt(140)) != 0 {
		t.Fatalf("quote not applied, got %s", got)
	}

	// 10% movement: applied silently.
	now = now.Add(2 * time.Minute)
	if err := svc.ApplyGasPrice(big.NewInt(154)); err != nil {
		t.Fatalf("10%% move should apply: %v", err)
	}
	if alerted.count != 1 {
		t.Fatalf("small deviation must not alert, got %d alerts", alerted.count)
	}
}

func TestApplyGasPrice_DeviationFractional(t *testing.T) {
	alerted := &countingNotifier{}
	svc := New(Config{
		MinGasPrice:    big.NewInt(1),
		MaxGasPrice:    big.NewInt(1_000_000),
		UpdateInterval: time.Minute,
	}, memory.New(), &stubBank{pool: big.NewInt(0)}, alerted, nil)

	now := time.Unix(1_700_000_000, 0)
	svc.WithClock(func() time.Time { return now })

	if err := svc.ApplyGasPrice(big.NewInt(1000)); err != nil {
		t.Fatalf("seed price: %v", err)
	}

	// 50.5% floors to 50 in whole percent; the gate must still reject it.
	now = now.Add(2 * time.Minute)
	if err := svc.ApplyGasPrice(big.NewInt(1505)); !errors.Is(err, ledger.ErrSuspiciousPriceMovement) {
		t.Fatalf("expected SuspiciousPriceMovement for 50.5%% move, got %v", err)
	}
	if got := svc.Quote().Price; got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("rejected deviation must not apply, got %s", got)
	}

	// Exactly 50% is the last allowed movement and only alerts.
	if err := svc.ApplyGasPrice(big.NewInt(1500)); err != nil {
		t.Fatalf("50%% move should apply: %v", err)
	}
	if alerted.count != 1 {
		t.Fatalf("expected one deviation alert, got %d", alerted.count)
	}

	// 30.47% from 1500 floors to 30 but is above the alert line.
	now = now.Add(2 * time.Minute)
	if err := svc.ApplyGasPrice(big.NewInt(1957)); err != nil {
		t.Fatalf("30.47%% move should apply: %v", err)
	}
	if alerted.count != 2 {
		t.Fatalf("fractional deviation above 30%% must alert, got %d alerts", alerted.count)
	}
}

func TestSetFeeMultiplier(t *testing.T) {
	svc := newTestService(t, Config{Admins: []string{"0xAdmin"}, MinGasPrice: big.NewInt(1)}, nil)

	if err := svc.SetFeeMultiplier("nobody", 120); err == nil {
		t.Fatal("non-admin must not set the multiplier")
	}

	err := svc.SetFeeMultiplier("0xadmin", 99)
	if err == nil || err.Error() != "INVALID_MULTIPLIER: Multiplier must be >= 100" {
		t.Fatalf("unexpected low-bound error: %v", err)
	}
	err = svc.SetFeeMultiplier("0xadmin", 151)
	if err == nil || err.Error() != "INVALID_MULTIPLIER: Multiplier must be <= 150" {
		t.Fatalf("unexpected high-bound error: %v", err)
	}

	if err := svc.SetFeeMultiplier("0xadmin", 120); err != nil {
		t.Fatalf("multiplier 120 should be accepted: %v", err)
	}

	if err := svc.ApplyGasPrice(big.NewInt(1000)); err != nil {
		t.Fatalf("apply price: %v", err)
	}
	// 1000 * 21000 * 120 / 100
	want := big.NewInt(25_200_000)
	if got := svc.EstimateFee(21000); got.Cmp(want) != 0 {
		t.Fatalf("estimateFee = %s, want %s", got, want)
	}
}

func TestEstimateFee_Pure(t *testing.T) {
	svc := newTestService(t, Config{MinGasPrice: big.NewInt(1)}, nil)
	if err := svc.ApplyGasPrice(big.NewInt(100)); err != nil {
		t.Fatalf("apply price: %v", err)
	}
	first := svc.EstimateFee(50_000)
	for i := 0; i < 10; i++ {
		if got := svc.EstimateFee(50_000); got.Cmp(first) != 0 {
			t.Fatalf("estimateFee changed between calls: %s vs %s", got, first)
		}
	}
}

func TestCompensateRelayer_Arithmetic(t *testing.T) {
	svc := newTestService(t, Config{
		MinGasPrice:   big.NewInt(1),
		MaxGasPrice:   big.NewInt(0),
		FeeMultiplier: 110,
		DailyCap:      new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
	}, nil)
	if err := svc.ApplyGasPrice(big.NewInt(100_000_000_000)); err != nil {
		t.Fatalf("apply price: %v", err)
	}

	credited, err := svc.CompensateRelayer(context.Background(), "0xRelayer", 50_000)
	if err != nil {
		t.Fatalf("compensate: %v", err)
	}
	// 100e9 * 50000 * 110 / 100 = 5.5e15
	want := big.NewInt(5_500_000_000_000_000)
	if credited.Cmp(want) != 0 {
		t.Fatalf("credited %s, want %s", credited, want)
	}

	balance, err := svc.Balance(context.Background(), "0xRelayer")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(want) != 0 {
		t.Fatalf("accrued balance %s, want %s", balance, want)
	}
	if svc.TotalCompensated().Cmp(want) != 0 {
		t.Fatalf("total %s, want %s", svc.TotalCompensated(), want)
	}
}

func TestCompensateRelayer_DailyCap(t *testing.T) {
	svc := newTestService(t, Config{
		MinGasPrice:   big.NewInt(1),
		FeeMultiplier: 100,
		DailyCap:      big.NewInt(250),
	}, nil)

	now := time.Unix(1_700_000_000, 0)
	svc.WithClock(func() time.Time { return now })
	if err := svc.ApplyGasPrice(big.NewInt(1)); err != nil {
		t.Fatalf("apply price: %v", err)
	}

	// Each call credits 100 (price 1 * gas 100 * 100%).
	for i := 0; i < 2; i++ {
		if _, err := svc.CompensateRelayer(context.Background(), "r", 100); err != nil {
			t.Fatalf("compensation %d: %v", i, err)
		}
	}

	// Third would reach 300 > 250: rejected in full.
	_, err := svc.CompensateRelayer(context.Background(), "r", 100)
	if !errors.Is(err, ledger.ErrDailyLimitExceeded) {
		t.Fatalf("expected DailyLimitExceeded, got %v", err)
	}
	balance, _ := svc.Balance(context.Background(), "r")
	if balance.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("rejected compensation must credit nothing, balance %s", balance)
	}

	// A smaller increment that fits under the cap still passes.
	if _, err := svc.CompensateRelayer(context.Background(), "r", 50); err != nil {
		t.Fatalf("in-cap compensation: %v", err)
	}

	// After the 24h window the counter resets and full credits resume.
	now = now.Add(24*time.Hour + time.Minute)
	if _, err := svc.CompensateRelayer(context.Background(), "r", 100); err != nil {
		t.Fatalf("post-reset compensation: %v", err)
	}
}

func TestWithdrawBalance(t *testing.T) {
	bank := &stubBank{pool: big.NewInt(1000)}
	svc := newTestService(t, Config{MinGasPrice: big.NewInt(1), FeeMultiplier: 100}, bank)
	if err := svc.ApplyGasPrice(big.NewInt(1)); err != nil {
		t.Fatalf("apply price: %v", err)
	}

	// Zero balance: InsufficientBalance(0, 0).
	_, err := svc.WithdrawBalance(context.Background(), "r")
	var short *ledger.InsufficientBalanceError
	if !errors.As(err, &short) || short.Requested.Sign() != 0 || short.Available.Sign() != 0 {
		t.Fatalf("expected InsufficientBalance(0,0), got %v", err)
	}

	if _, err := svc.CompensateRelayer(context.Background(), "r", 500); err != nil {
		t.Fatalf("compensate: %v", err)
	}

	paid, err := svc.WithdrawBalance(context.Background(), "r")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("paid %s, want 500", paid)
	}
	if bank.paidTo != "r" || bank.paidAmt.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("pool payout mismatch: %s to %q", bank.paidAmt, bank.paidTo)
	}
	balance, _ := svc.Balance(context.Background(), "r")
	if balance.Sign() != 0 {
		t.Fatalf("balance must be zero after withdrawal, got %s", balance)
	}
}

func TestWithdrawBalance_PoolShort(t *testing.T) {
	bank := &stubBank{pool: big.NewInt(100)}
	svc := newTestService(t, Config{MinGasPrice: big.NewInt(1), FeeMultiplier: 100}, bank)
	if err := svc.ApplyGasPrice(big.NewInt(1)); err != nil {
		t.Fatalf("apply price: %v", err)
	}
	if _, err := svc.CompensateRelayer(context.Background(), "r", 500); err != nil {
		t.Fatalf("compensate: %v", err)
	}

	_, err := svc.WithdrawBalance(context.Background(), "r")
	var short *ledger.InsufficientBalanceError
	if !errors.As(err, &short) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if short.Requested.Cmp(big.NewInt(500)) != 0 || short.Available.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("InsufficientBalance(%s, %s), want (500, 100)", short.Requested, short.Available)
	}

	// The failed withdrawal must leave the balance intact.
	balance, _ := svc.Balance(context.Background(), "r")
	if balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("balance %s, want 500", balance)
	}
}

func TestWithdrawBalance_TransferFailureRestores(t *testing.T) {
	bank := &stubBank{pool: big.NewInt(1000), payErr: errors.New("rpc down")}
	svc := newTestService(t, Config{MinGasPrice: big.NewInt(1), FeeMultiplier: 100}, bank)
	if err := svc.ApplyGasPrice(big.NewInt(1)); err != nil {
		t.Fatalf("apply price: %v", err)
	}
	if _, err := svc.CompensateRelayer(context.Background(), "r", 500); err != nil {
		t.Fatalf("compensate: %v", err)
	}

	_, err := svc.WithdrawBalance(context.Background(), "r")
	if !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected TransferFailed identity, got %v", err)
	}
	balance, _ := svc.Balance(context.Background(), "r")
	if balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("failed payout must restore the balance, got %s", balance)
	}
}

func TestPause(t *testing.T) {
	svc := newTestService(t, Config{Admins: []string{"admin"}, MinGasPrice: big.NewInt(1)}, nil)

	if err := svc.Pause("intruder"); err == nil {
		t.Fatal("non-admin must not pause")
	}
	if err := svc.Pause("admin"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if err := svc.ApplyGasPrice(big.NewInt(10)); !errors.Is(err, ledger.ErrSystemPaused) {
		t.Fatalf("expected SystemPaused, got %v", err)
	}
	if _, err := svc.CompensateRelayer(context.Background(), "r", 10); !errors.Is(err, ledger.ErrSystemPaused) {
		t.Fatalf("expected SystemPaused, got %v", err)
	}
	if _, err := svc.WithdrawBalance(context.Background(), "r"); !errors.Is(err, ledger.ErrSystemPaused) {
		t.Fatalf("expected SystemPaused, got %v", err)
	}

	// Emergency withdrawal stays available while paused, admin only.
	if _, err := svc.EmergencyWithdraw(context.Background(), "intruder", "vault"); err == nil {
		t.Fatal("non-admin must not emergency-withdraw")
	}
	if _, err := svc.EmergencyWithdraw(context.Background(), "admin", "vault"); err != nil {
		t.Fatalf("emergency withdraw: %v", err)
	}

	if err := svc.Unpause("admin"); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := svc.ApplyGasPrice(big.NewInt(10)); err != nil {
		t.Fatalf("update after unpause: %v", err)
	}
}

type countingNotifier struct {
	count int
}

func (n *countingNotifier) Notify(title, message string, severity alerting.Severity) {
	n.count++
}
