// Package runtime wires configuration, storage, chain access, and the HTTP
// server into a runnable application.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/coverbridge/settlement-layer/internal/app/httpapi"
	svc "github.com/coverbridge/settlement-layer/internal/app/services/settlement"
	"github.com/coverbridge/settlement-layer/internal/app/storage"
	"github.com/coverbridge/settlement-layer/internal/app/storage/memory"
	"github.com/coverbridge/settlement-layer/internal/app/storage/postgres"
	"github.com/coverbridge/settlement-layer/internal/app/system"
	"github.com/coverbridge/settlement-layer/internal/chain"
	"github.com/coverbridge/settlement-layer/internal/config"
	"github.com/coverbridge/settlement-layer/internal/platform/migrations"
	"github.com/coverbridge/settlement-layer/pkg/logger"
)

// Application owns the wired components and their lifecycles.
type Application struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *sql.DB
	server   *http.Server
	services []system.Service
}

// NewApplication wires the application from configuration. No network
// listeners are opened until Run.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}).WithField("service", "settlement-layer")

	store, db, err := buildStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	gateway, err := buildGateway(cfg, log)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}
	policy := svc.LoadPolicyOrDefault(cfg.Coordinator.PolicyPath)

	coordinator := svc.NewCoordinator(store, gateway, policy, svc.Config{
		ContractHash:   cfg.Chain.ContractHash,
		ReceiptTimeout: cfg.Coordinator.ReceiptTimeout,
		LockTimeout:    cfg.Coordinator.LockTimeout,
	}, log.WithField("component", "coordinator"))

	reconciler := svc.NewReconciler(store, gateway, svc.ReconcilerConfig{
		Interval:       cfg.Reconciler.Interval,
		BatchSize:      cfg.Reconciler.BatchSize,
		MaxAttempts:    cfg.Reconciler.MaxAttempts,
		BaseBackoff:    cfg.Reconciler.BaseBackoff,
		MaxBackoff:     cfg.Reconciler.MaxBackoff,
		ReceiptTimeout: cfg.Reconciler.ReceiptTimeout,
	}, log.WithField("component", "reconciler"))

	handler := httpapi.NewHandler(coordinator, log.WithField("component", "httpapi"))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:      cfg,
		log:      log,
		db:       db,
		server:   server,
		services: []system.Service{reconciler},
	}, nil
}

func buildStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.Store, *sql.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured; using in-memory store")
		return memory.New(), nil, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	return postgres.New(db), db, nil
}

func buildGateway(cfg *config.Config, log *logger.Logger) (chain.Gateway, error) {
	client, err := chain.NewClient(chain.Config{
		RPCURL:    cfg.Chain.RPCURL,
		NetworkID: cfg.Chain.NetworkID,
		Timeout:   cfg.Chain.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("chain client: %w", err)
	}

	var signer *chain.Signer
	if cfg.Chain.PrivateKeyHex != "" {
		s, err := chain.NewSigner(cfg.Chain.PrivateKeyHex)
		if err != nil {
			log.WithError(err).Warn("invalid settlement signing key; submissions will fail wallet-unavailable")
		} else {
			signer = s
			log.WithField("address", s.Address()).Info("settlement signer loaded")
		}
	} else {
		log.Warn("no settlement signing key configured; submissions will fail wallet-unavailable")
	}

	return chain.NewNodeGateway(client, signer, cfg.Chain.PollInterval), nil
}

// Run starts the background services and serves HTTP until the context is
// canceled, then shuts down cleanly.
func (a *Application) Run(ctx context.Context) error {
	for _, s := range a.services {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", s.Name(), err)
		}
		a.log.WithField("service", s.Name()).Info("service started")
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.server.Addr).Info("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdown(context.Background())
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	}
}

func (a *Application) shutdown(ctx context.Context) error {
	var firstErr error

	if err := a.server.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("http server shutdown failed")
		firstErr = err
	}

	// Stop services in reverse start order.
	for i := len(a.services) - 1; i >= 0; i-- {
		s := a.services[i]
		if err := s.Stop(ctx); err != nil {
			a.log.WithError(err).WithField("service", s.Name()).Warn("service stop failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	a.log.Info("shutdown complete")
	return firstErr
}
