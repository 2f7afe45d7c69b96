package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/tokenbridge/relayer/internal/app/domain/withdrawal"
	"github.com/tokenbridge/relayer/internal/app/storage"
	"github.com/tokenbridge/relayer/internal/app/system"
	"github.com/tokenbridge/relayer/pkg/logger"
)

// PayoutResolver decides whether a locked withdrawal's source-chain payout
// has landed.
type PayoutResolver interface {
	Resolve(ctx context.Context, w withdrawal.Withdrawal) (done bool, success bool, message string, retryAfter time.Duration, err error)
}

// TimeoutResolver refunds withdrawals whose payout never confirms within the
// timeout. It is the default when no chain-backed resolver is wired.
type TimeoutResolver struct {
	timeout time.Duration
	seen    sync.Map // withdrawal id -> time.Time
}

func NewTimeoutResolver(timeout time.Duration) *TimeoutResolver {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &TimeoutResolver{timeout: timeout}
}

func (r *TimeoutResolver) Resolve(ctx context.Context, w withdrawal.Withdrawal) (bool, bool, string, time.Duration, error) {
	if value, ok := r.seen.Load(w.ID); ok {
		if time.Since(value.(time.Time)) >= r.timeout {
			r.seen.Delete(w.ID)
			return true, false, "timeout waiting for source-chain payout", 0, nil
		}
		return false, false, "", r.timeout / 4, nil
	}
	r.seen.Store(w.ID, time.Now())
	return false, false, "", r.timeout / 4, nil
}

// SettlementPoller watches locked withdrawals and resolves them to paid or
// refunded using the resolver.
type SettlementPoller struct {
	store    storage.WithdrawalStore
	service  *Service
	resolver PayoutResolver
	interval time.Duration
	log      *logger.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
}

var _ system.Service = (*SettlementPoller)(nil)

func NewSettlementPoller(store storage.WithdrawalStore, service *Service, resolver PayoutResolver, log *logger.Logger) *SettlementPoller {
	if log == nil {
		log = logger.NewDefault("bridge-settlement")
	}
	if resolver == nil {
		resolver = NewTimeoutResolver(30 * time.Minute)
	}
	return &SettlementPoller{
		store:       store,
		service:     service,
		resolver:    resolver,
		interval:    15 * time.Second,
		log:         log,
		nextAttempt: make(map[string]time.Time),
	}
}

func (p *SettlementPoller) Name() string { return "bridge-settlement" }

func (p *SettlementPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()

	p.log.Info("withdrawal settlement poller started")
	return nil
}

func (p *SettlementPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (p *SettlementPoller) tick(ctx context.Context) {
	locked, err := p.store.ListLockedWithdrawals(ctx)
	if err != nil {
		p.log.WithError(err).Warn("list locked withdrawals failed")
		return
	}

	now := time.Now()
	for _, w := range locked {
		if !p.shouldAttempt(w.ID, now) {
			continue
		}

		done, success, message, retryAfter, err := p.resolver.Resolve(ctx, w)
		if err != nil {
			p.log.WithError(err).Warnf("resolver error for withdrawal %s", w.ID)
			p.scheduleNext(w.ID, retryAfter)
			continue
		}

		if !done {
			p.scheduleNext(w.ID, retryAfter)
			continue
		}

		if _, err := p.service.CompleteWithdrawal(ctx, w.ID, success, message); err != nil {
			p.log.WithError(err).Warnf("complete withdrawal %s failed", w.ID)
			p.scheduleNext(w.ID, retryAfter)
			continue
		}
		p.log.Infof("withdrawal %s settled (success=%t)", w.ID, success)
		p.clearSchedule(w.ID)
	}
}

func (p *SettlementPoller) shouldAttempt(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[id]
	if !ok || now.After(next) {
		return true
	}
	return false
}

func (p *SettlementPoller) scheduleNext(id string, after time.Duration) {
	if after <= 0 {
		after = p.interval
	}
	p.mu.Lock()
	p.nextAttempt[id] = time.Now().Add(after)
	p.mu.Unlock()
}

func (p *SettlementPoller) clearSchedule(id string) {
	p.mu.Lock()
	delete(p.nextAttempt, id)
	p.mu.Unlock()
}
