package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/openbtcpay/paywatch/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Payjoin.LockStore == "" {
		cfg.Payjoin.LockStore = "memory"
	}

	for i := range cfg.Networks {
		if cfg.Networks[i].CryptoCode == "" {
			return nil, fmt.Errorf("networks[%d]: crypto_code is required", i)
		}
		if cfg.Networks[i].ExplorerURL == "" {
			return nil, fmt.Errorf("networks[%d]: explorer_url is required", i)
		}
		if cfg.Networks[i].MaxTrackedConfirmations == 0 {
			cfg.Networks[i].MaxTrackedConfirmations = domain.DefaultMaxTrackedConfirmation
		}
		if cfg.Networks[i].PollInterval == 0 {
			cfg.Networks[i].PollInterval = time.Minute
		}
		if cfg.Networks[i].ReconnectDelay == 0 {
			cfg.Networks[i].ReconnectDelay = 5 * time.Second
		}
	}

	return &cfg, nil
}
