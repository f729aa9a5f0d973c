// settlementd is the settlement coordination daemon for the insurance
// marketplace. It exposes the settlement API, drives requests through the
// chain and the ledger, and runs the background reconciler.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coverbridge/settlement-layer/internal/app/runtime"
	"github.com/coverbridge/settlement-layer/internal/config"
	"github.com/coverbridge/settlement-layer/pkg/logger"
)

func main() {
	log := logger.NewDefault("settlementd")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := runtime.NewApplication(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to build application")
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		log.WithError(err).Error("application exited with error")
		os.Exit(1)
	}
}
