package config

import (
	"time"

	"github.com/openbtcpay/paywatch/internal/core/domain"
	redisclient "github.com/openbtcpay/paywatch/internal/infra/redis"
	"github.com/openbtcpay/paywatch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Networks []NetworkConfig    `yaml:"networks"`
	Payjoin  PayjoinConfig      `yaml:"payjoin"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// NetworkConfig holds settings for one watched crypto code.
type NetworkConfig struct {
	CryptoCode  domain.CryptoCode `yaml:"crypto_code"`
	ExplorerURL string            `yaml:"explorer_url"`

	// PollInterval drives the periodic catch-up scan while the event stream
	// is live. 0 disables it; the scan still runs on every reconnect.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxTrackedConfirmations is the depth past which payments stop being
	// refreshed and invoices leave the polling set.
	MaxTrackedConfirmations int64 `yaml:"max_tracked_confirmations"`

	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// Network converts the entry to its domain representation.
func (c NetworkConfig) Network() domain.Network {
	return domain.Network{
		CryptoCode:             c.CryptoCode,
		MaxTrackedConfirmation: c.MaxTrackedConfirmations,
	}
}

// PayjoinConfig tunes the outpoint lock coordinator.
type PayjoinConfig struct {
	// LockStore selects the lock backend: "redis", "postgres" or "memory".
	LockStore string `yaml:"lock_store"`

	// UnlockOnUnbroadcastable releases contributed outpoints when the
	// original transaction can no longer broadcast and no competing coinjoin
	// has been observed. Unset means enabled; disable to keep locks until
	// the original confirms.
	UnlockOnUnbroadcastable *bool `yaml:"unlock_on_unbroadcastable"`
}

// UnlockUnbroadcastable resolves the tie-break flag, defaulting to true.
func (c PayjoinConfig) UnlockUnbroadcastable() bool {
	if c.UnlockOnUnbroadcastable == nil {
		return true
	}
	return *c.UnlockOnUnbroadcastable
}
