// Package config содержит логику чтения конфигурации реестра оплат.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress      = "localhost:8080"
	defaultTxTimeout       = 5 * time.Second
	defaultLockTimeout     = 2 * time.Second
	defaultPaidAtTolerance = 5 * time.Minute
)

// Config содержит параметры конфигурации реестра оплат.
type Config struct {
	RunAddress           string        `env:"RUN_ADDRESS"`
	DatabaseURI          string        `env:"DATABASE_URI"`
	ReviewWebhookAddress string        `env:"REVIEW_WEBHOOK_ADDRESS"`
	APISecret            string        `env:"API_SECRET"`
	TxTimeout            time.Duration `env:"TX_TIMEOUT"`
	LockTimeout          time.Duration `env:"LOCK_TIMEOUT"`
	PaidAtTolerance      time.Duration `env:"PAID_AT_TOLERANCE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI: postgres://... or SQLite file path, empty for in-memory")
	flag.StringVar(&cfg.ReviewWebhookAddress, "r", "", "operator review webhook address")
	flag.StringVar(&cfg.APISecret, "k", "", "secret for operator tokens, empty disables auth")
	flag.DurationVar(&cfg.TxTimeout, "t", defaultTxTimeout, "timeout of a single ledger operation")
	flag.DurationVar(&cfg.LockTimeout, "l", defaultLockTimeout, "wait limit for a payment row lock")
	flag.DurationVar(&cfg.PaidAtTolerance, "p", defaultPaidAtTolerance, "how far paidAt may be ahead of the ledger clock")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.ReviewWebhookAddress != "" {
		cfg.ReviewWebhookAddress = fromEnv.ReviewWebhookAddress
	}
	if fromEnv.APISecret != "" {
		cfg.APISecret = fromEnv.APISecret
	}
	if fromEnv.TxTimeout != 0 {
		cfg.TxTimeout = fromEnv.TxTimeout
	}
	if fromEnv.LockTimeout != 0 {
		cfg.LockTimeout = fromEnv.LockTimeout
	}
	if fromEnv.PaidAtTolerance != 0 {
		cfg.PaidAtTolerance = fromEnv.PaidAtTolerance
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.TxTimeout <= 0 {
		return fmt.Errorf("tx timeout must be positive, got %s", c.TxTimeout)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout must be positive, got %s", c.LockTimeout)
	}
	if c.PaidAtTolerance < 0 {
		return fmt.Errorf("paidAt tolerance must not be negative, got %s", c.PaidAtTolerance)
	}
	return nil
}
