// Command relayerd runs the bridge relay: the chain monitor, bridge
// registry, fee oracle, alerting, and the REST API in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	app "github.com/tokenbridge/relayer/internal/app"
	"github.com/tokenbridge/relayer/internal/app/httpapi"
	"github.com/tokenbridge/relayer/internal/app/storage/postgres"
	"github.com/tokenbridge/relayer/internal/chain"
	"github.com/tokenbridge/relayer/internal/config"
	"github.com/tokenbridge/relayer/pkg/logger"
	"github.com/tokenbridge/relayer/pkg/retry"
)

func main() {
	configPath := flag.String("config", "config/relayer.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("relayerd").WithError(err).Error("load configuration")
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	var stores app.Stores
	if cfg.Database.DSN != "" {
		store, err := postgres.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns)
		if err != nil {
			log.WithError(err).Error("open postgres store")
			os.Exit(1)
		}
		defer store.Close()
		if err := store.Migrate(); err != nil {
			log.WithError(err).Error("apply migrations")
			os.Exit(1)
		}
		stores = app.Stores{Deposits: store, Withdrawals: store, Relayers: store}
		log.Info("using postgres persistence")
	} else {
		log.Warn("DATABASE_DSN not set; using in-memory stores")
	}

	var opts app.Options
	if cfg.Chain.RPCURL != "" {
		provider, err := chain.NewClient(chain.Config{
			RPCURL:  cfg.Chain.RPCURL,
			Timeout: cfg.Chain.Timeout,
			Retry:   retry.DefaultPolicy,
		})
		if err != nil {
			log.WithError(err).Error("configure chain provider")
			os.Exit(1)
		}
		opts.Provider = provider
	}

	application, err := app.New(cfg, stores, opts, log)
	if err != nil {
		log.WithError(err).Error("initialise application")
		os.Exit(1)
	}

	auditSink, err := httpapi.NewFileAuditSink(cfg.Server.AuditLog)
	if err != nil {
		log.WithError(err).Error("open audit log")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start services")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           httpapi.NewHandler(application, auditSink),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown")
	}
	log.Info("relayer stopped")
}
