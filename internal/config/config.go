// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Chain       ChainConfig
	Coordinator CoordinatorConfig
	Reconciler  ReconcilerConfig
	Logging     LoggingConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
	Output string `env:"LOG_OUTPUT,default=stdout"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST,default=0.0.0.0"`
	Port            int           `env:"SERVER_PORT,default=8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=20s"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig configures the Postgres connection. An empty DSN selects the
// in-memory store, for development and tests only.
type DatabaseConfig struct {
	DSN             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS,default=25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME,default=30m"`
}

// ChainConfig configures the blockchain node connection and the settlement
// signing account. An empty private key leaves the gateway without a signer;
// submissions then fail classified as wallet-unavailable and the degraded
// policy decides the rest.
type ChainConfig struct {
	RPCURL         string        `env:"CHAIN_RPC_URL,default=http://localhost:10332"`
	NetworkID      uint32        `env:"CHAIN_NETWORK_ID,default=860833102"`
	ContractHash   string        `env:"CHAIN_CONTRACT_HASH"`
	PrivateKeyHex  string        `env:"CHAIN_PRIVATE_KEY"`
	RequestTimeout time.Duration `env:"CHAIN_REQUEST_TIMEOUT,default=10s"`
	PollInterval   time.Duration `env:"CHAIN_POLL_INTERVAL,default=2s"`
}

// CoordinatorConfig bounds the settlement orchestration.
type CoordinatorConfig struct {
	ReceiptTimeout time.Duration `env:"COORDINATOR_RECEIPT_TIMEOUT,default=2m"`
	LockTimeout    time.Duration `env:"COORDINATOR_LOCK_TIMEOUT,default=5s"`
	PolicyPath     string        `env:"COORDINATOR_POLICY_PATH"`
}

// ReconcilerConfig tunes the orphan-repair poller.
type ReconcilerConfig struct {
	Interval       time.Duration `env:"RECONCILER_INTERVAL,default=30s"`
	BatchSize      int           `env:"RECONCILER_BATCH_SIZE,default=20"`
	MaxAttempts    int           `env:"RECONCILER_MAX_ATTEMPTS,default=10"`
	BaseBackoff    time.Duration `env:"RECONCILER_BASE_BACKOFF,default=30s"`
	MaxBackoff     time.Duration `env:"RECONCILER_MAX_BACKOFF,default=15m"`
	ReceiptTimeout time.Duration `env:"RECONCILER_RECEIPT_TIMEOUT,default=30s"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
