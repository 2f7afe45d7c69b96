package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/tokenbridge/relayer/internal/app/domain/alerting"
	"github.com/tokenbridge/relayer/internal/app/fault"
	"github.com/tokenbridge/relayer/internal/app/system"
	"github.com/tokenbridge/relayer/pkg/logger"
)

// Poller drives the monitor's confirmation checks on a schedule. Each cycle
// is independent and idempotent; a stop request lets the in-flight cycle
// finish so no deposit is left half-processed.
type Poller struct {
	service  *Service
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Poller)(nil)

// NewPoller wraps the monitor in a poll loop.
func NewPoller(service *Service, interval time.Duration, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.NewDefault("monitor-poller")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{service: service, interval: interval, log: log}
}

func (p *Poller) Name() string { return "chain-monitor" }

func (p *Poller) Start(ctx context.Context) error {
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

	p.log.Info("chain monitor poller started")
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
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

func (p *Poller) tick(ctx context.Context) {
	s := p.service

	s.mu.Lock()
	txIDs := make([]string, 0, len(s.tracked))
	for id := range s.tracked {
		txIDs = append(txIDs, id)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, txID := range txIDs {
		if ctx.Err() != nil {
			return
		}
		if p.sweepExpired(ctx, txID, now) {
			continue
		}

		result, err := s.ProcessTransaction(ctx, txID)
		switch {
		case err != nil:
			p.log.WithError(err).WithField("tx_id", txID).Warn("confirmation check failed")
		case !result.Success:
			p.log.WithField("tx_id", txID).Debug(result.Error)
		default:
			p.log.WithField("tx_id", txID).Info("deposit processed")
		}
	}
}

// sweepExpired abandons a tracked deposit that has been pending longer than
// the TTL. Returns true when the entry was resolved and needs no check.
func (p *Poller) sweepExpired(ctx context.Context, txID string, now time.Time) bool {
	s := p.service

	s.mu.Lock()
	tracked, ok := s.tracked[txID]
	s.mu.Unlock()
	if !ok {
		return true
	}

	dep, err := s.bridge.GetDeposit(ctx, tracked.depositID)
	if err != nil {
		if fault.KindOf(err) == fault.NotFound {
			s.untrack(txID)
			return true
		}
		return false
	}
	if dep.Status.Terminal() {
		s.untrack(txID)
		return true
	}
	if now.Sub(dep.FirstSeenAt) < s.cfg.PendingTTL {
		return false
	}

	if _, err := s.bridge.Abandon(ctx, dep.ID, "confirmation wait exceeded TTL"); err != nil {
		p.log.WithError(err).WithField("deposit_id", dep.ID).Warn("abandon expired deposit failed")
		return false
	}
	s.RecordError(fault.Newf(fault.StateConflict, "DEPOSIT_EXPIRED",
		"deposit %s abandoned after %s without finality", dep.ID, s.cfg.PendingTTL), alerting.SeverityWarning)
	s.untrack(txID)
	return true
}
