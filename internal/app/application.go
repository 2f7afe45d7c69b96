package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tokenbridge/relayer/internal/addr"
	"github.com/tokenbridge/relayer/internal/app/services/alerts"
	bridgesvc "github.com/tokenbridge/relayer/internal/app/services/bridge"
	feeoraclesvc "github.com/tokenbridge/relayer/internal/app/services/feeoracle"
	monitorsvc "github.com/tokenbridge/relayer/internal/app/services/monitor"
	"github.com/tokenbridge/relayer/internal/app/storage"
	"github.com/tokenbridge/relayer/internal/app/storage/memory"
	"github.com/tokenbridge/relayer/internal/app/system"
	"github.com/tokenbridge/relayer/internal/attestation"
	"github.com/tokenbridge/relayer/internal/chain"
	"github.com/tokenbridge/relayer/internal/config"
	"github.com/tokenbridge/relayer/internal/ledger"
	"github.com/tokenbridge/relayer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Deposits    storage.DepositStore
	Withdrawals storage.WithdrawalStore
	Relayers    storage.RelayerStore
}

// Options carries the external collaborators the relay is wired against.
// Nil fields get local defaults suitable for development: a simulated ledger
// contract and no chain provider.
type Options struct {
	Contract ledger.Contract
	Bank     ledger.TokenBank
	Provider chain.Provider
	// PriceSource feeds the scheduled gas price refresh; nil falls back to
	// the chain provider's gas telemetry.
	PriceSource feeoraclesvc.PriceSource
	// Resolver decides locked-withdrawal payout outcomes; nil uses the
	// timeout resolver.
	Resolver bridgesvc.PayoutResolver
}

// Application ties the relay services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Alerts    *alerts.Manager
	FeeOracle *feeoraclesvc.Service
	Bridge    *bridgesvc.Service
	Monitor   *monitorsvc.Service
}

// New builds a fully initialised application from configuration.
func New(cfg *config.Config, stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Deposits == nil {
		stores.Deposits = mem
	}
	if stores.Withdrawals == nil {
		stores.Withdrawals = mem
	}
	if stores.Relayers == nil {
		stores.Relayers = mem
	}

	signers, err := attestation.NewSignerSet(cfg.Bridge.Signers...)
	if err != nil {
		return nil, fmt.Errorf("attestation signers: %w", err)
	}

	contract := opts.Contract
	bank := opts.Bank
	if contract == nil {
		log.Warn("no ledger contract configured; using the in-process simulated contract")
		sim := ledger.NewSimulated(ledger.SimulatedConfig{
			MinDeposit:    config.MustWei(cfg.Bridge.MinDeposit),
			MaxDeposit:    config.MustWei(cfg.Bridge.MaxDeposit),
			WithdrawalFee: config.MustWei(cfg.Bridge.WithdrawalFee),
		}, signers)
		contract = sim
		if bank == nil {
			bank = sim
		}
	}
	if bank == nil {
		return nil, fmt.Errorf("a token bank is required when an external contract is configured")
	}

	alertManager := alerts.New(alerts.Config{
		WebhookURL:   cfg.Alerts.WebhookURL,
		Environment:  cfg.Alerts.Environment,
		MaxPerMinute: cfg.Alerts.MaxPerMinute,
	}, log)

	oracle := feeoraclesvc.New(feeoraclesvc.Config{
		MinGasPrice:    config.MustWei(cfg.Oracle.MinGasPrice),
		MaxGasPrice:    config.MustWei(cfg.Oracle.MaxGasPrice),
		UpdateInterval: cfg.Oracle.UpdateInterval,
		FeeMultiplier:  cfg.Oracle.FeeMultiplier,
		DailyCap:       config.MustWei(cfg.Oracle.DailyCap),
		Admins:         cfg.Oracle.Admins,
	}, stores.Relayers, bank, alertManager, log)

	relay := bridgesvc.New(bridgesvc.Config{SourceChain: cfg.Bridge.SourceChain},
		stores.Deposits, stores.Withdrawals, contract, signers, addr.NewRegistry(), alertManager, log)
	if key := strings.TrimSpace(cfg.Bridge.AttestorKey); key != "" {
		priv, err := crypto.HexToECDSA(strings.TrimPrefix(key, "0x"))
		if err != nil {
			return nil, fmt.Errorf("attestor key: %w", err)
		}
		if !signers.Authorized(crypto.PubkeyToAddress(priv.PublicKey)) {
			return nil, fmt.Errorf("attestor key address is not in the signer allow-list")
		}
		relay.WithAttestor(priv)
	}

	mon := monitorsvc.New(monitorsvc.Config{
		RequiredConfirmations: cfg.Bridge.RequiredConfirmations,
		PendingTTL:            cfg.Bridge.PendingTTL,
		MinGasPrice:           config.MustWei(cfg.Oracle.MinGasPrice),
		MaxGasPrice:           config.MustWei(cfg.Oracle.MaxGasPrice),
	}, opts.Provider, relay, oracle, alertManager, log)

	manager := system.NewManager()
	if err := manager.Register(alertManager); err != nil {
		return nil, fmt.Errorf("register alerts: %w", err)
	}

	if opts.Provider != nil {
		if err := manager.Register(monitorsvc.NewPoller(mon, cfg.Chain.PollInterval, log)); err != nil {
			return nil, fmt.Errorf("register monitor poller: %w", err)
		}

		source := opts.PriceSource
		if source == nil {
			source = feeoraclesvc.PriceSourceFunc(opts.Provider.GasPrice)
		}
		updater := feeoraclesvc.NewUpdater(oracle, source, cfg.Oracle.RefreshSpec, log)
		if err := manager.Register(updater); err != nil {
			return nil, fmt.Errorf("register gas price updater: %w", err)
		}
	} else {
		log.Warn("no chain provider configured; confirmation polling and price refresh disabled")
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = bridgesvc.NewTimeoutResolver(cfg.Bridge.PayoutTimeout)
	}
	settlement := bridgesvc.NewSettlementPoller(stores.Withdrawals, relay, resolver, log)
	if err := manager.Register(settlement); err != nil {
		return nil, fmt.Errorf("register settlement poller: %w", err)
	}

	return &Application{
		manager:   manager,
		log:       log,
		Alerts:    alertManager,
		FeeOracle: oracle,
		Bridge:    relay,
		Monitor:   mon,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.StartAll(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.StopAll(ctx)
}
