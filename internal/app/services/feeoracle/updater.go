package feeoracle

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tokenbridge/relayer/internal/app/fault"
	"github.com/tokenbridge/relayer/internal/app/system"
	"github.com/tokenbridge/relayer/internal/ledger"
	"github.com/tokenbridge/relayer/pkg/logger"
)

var _ system.Service = (*Updater)(nil)

// Updater refreshes the gas quote on a cron schedule using the observed
// network price. TooSoon outcomes are expected when the schedule fires
// faster than the oracle's own interval gate and are logged at debug.
type Updater struct {
	service  *Service
	source   PriceSource
	schedule string
	log      *logger.Logger
	cron     *cron.Cron
	entry    cron.EntryID
}

// NewUpdater creates a scheduled price updater. The schedule uses cron
// syntax ("@every 5m" by default).
func NewUpdater(service *Service, source PriceSource, schedule string, log *logger.Logger) *Updater {
	if log == nil {
		log = logger.NewDefault("feeoracle-updater")
	}
	if schedule == "" {
		schedule = "@every 5m"
	}
	return &Updater{
		service:  service,
		source:   source,
		schedule: schedule,
		log:      log,
	}
}

func (u *Updater) Name() string { return "feeoracle-updater" }

func (u *Updater) Start(context.Context) error {
	if u.source == nil {
		u.log.Warn("no price source configured; gas price updater disabled")
		return nil
	}
	u.cron = cron.New()
	entry, err := u.cron.AddFunc(u.schedule, u.refresh)
	if err != nil {
		return err
	}
	u.entry = entry
	u.cron.Start()
	u.log.WithField("schedule", u.schedule).Info("gas price updater started")
	return nil
}

func (u *Updater) Stop(ctx context.Context) error {
	if u.cron == nil {
		return nil
	}
	stopCtx := u.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Updater) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := u.service.UpdateGasPrice(ctx, u.source)
	switch {
	case err == nil:
	case fault.CodeOf(err) == "TOO_SOON":
		u.log.Debugf("gas price refresh skipped: %s", ledger.RevertTooSoon)
	case errors.Is(err, ledger.ErrSuspiciousPriceMovement):
		u.log.WithError(err).Warn("gas price refresh rejected as suspicious")
	default:
		u.log.WithError(err).Warn("gas price refresh failed")
	}
}
