package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
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

	if cfg.Pipeline.DetectInterval == 0 {
		cfg.Pipeline.DetectInterval = 30 * time.Second
	}
	if cfg.Pipeline.CheckBalanceInterval == 0 {
		cfg.Pipeline.CheckBalanceInterval = 15 * time.Second
	}
	if cfg.Pipeline.MaxVerificationTime == 0 {
		cfg.Pipeline.MaxVerificationTime = 10 * time.Minute
	}
	if cfg.Pipeline.RecoverInterval == 0 {
		cfg.Pipeline.RecoverInterval = 60 * time.Second
	}
	if cfg.Pipeline.ProcessingTimeout == 0 {
		cfg.Pipeline.ProcessingTimeout = 5 * time.Minute
	}
	if cfg.Pipeline.ProcessingLockTTL == 0 {
		cfg.Pipeline.ProcessingLockTTL = 5 * time.Minute
	}
	if cfg.Pipeline.MonitorLockTTL == 0 {
		cfg.Pipeline.MonitorLockTTL = 30 * time.Minute
	}

	if cfg.Aggregator.Timeout == 0 {
		cfg.Aggregator.Timeout = 30 * time.Second
	}
	if cfg.Aggregator.Slippage == 0 {
		cfg.Aggregator.Slippage = 0.005
	}

	for i := range cfg.Chains {
		if cfg.Chains[i].Type == "" {
			cfg.Chains[i].Type = "evm"
		}
	}

	return &cfg, nil
}
