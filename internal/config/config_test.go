package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("unexpected default addr %s", cfg.Server.Addr())
	}
	if cfg.Coordinator.ReceiptTimeout != 2*time.Minute {
		t.Errorf("unexpected default receipt timeout %s", cfg.Coordinator.ReceiptTimeout)
	}
	if cfg.Reconciler.MaxAttempts != 10 {
		t.Errorf("unexpected default max attempts %d", cfg.Reconciler.MaxAttempts)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("unexpected default log level %s", cfg.Logging.Level)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://settlement:secret@db/settlement?sslmode=disable")
	t.Setenv("CHAIN_CONTRACT_HASH", "0xcontract")
	t.Setenv("RECONCILER_INTERVAL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Database.DSN == "" {
		t.Error("expected database DSN from environment")
	}
	if cfg.Chain.ContractHash != "0xcontract" {
		t.Errorf("unexpected contract hash %s", cfg.Chain.ContractHash)
	}
	if cfg.Reconciler.Interval != 5*time.Second {
		t.Errorf("expected 5s interval, got %s", cfg.Reconciler.Interval)
	}
}
