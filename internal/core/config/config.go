package config

import (
	"time"

	"github.com/vietddude/udeposit/internal/core/domain"
	redisclient "github.com/vietddude/udeposit/internal/infra/redis"
	"github.com/vietddude/udeposit/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Chains     []ChainConfig      `yaml:"chains"`
	Pipeline   PipelineConfig     `yaml:"pipeline"`
	Aggregator AggregatorConfig   `yaml:"aggregator"`
	Redis      redisclient.Config `yaml:"redis"`
	Logging    LoggingConfig      `yaml:"logging"`
	Database   postgres.Config    `yaml:"database"`
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

// ChainConfig holds settings for a supported chain.
type ChainConfig struct {
	ChainID      domain.ChainID `yaml:"id"            mapstructure:"id"`
	InternalCode string         `yaml:"internal_code" mapstructure:"internal_code"`
	Type         string         `yaml:"type"          mapstructure:"type"` // "evm" or "sim"
	RPCURL       string         `yaml:"rpc_url"       mapstructure:"rpc_url"`
	ExplorerURL  string         `yaml:"explorer_url"  mapstructure:"explorer_url"`
	// Tokens is the allow-list of ERC-20 addresses the balance detector
	// scans on this chain.
	Tokens []string `yaml:"tokens" mapstructure:"tokens"`
}

// PipelineConfig holds timing knobs for the order pipeline workers.
type PipelineConfig struct {
	DetectInterval       time.Duration `yaml:"detect_interval"`        // balance detector tick
	CheckBalanceInterval time.Duration `yaml:"check_balance_interval"` // verifier poll interval
	MaxVerificationTime  time.Duration `yaml:"max_verification_time"`  // verification window
	RecoverInterval      time.Duration `yaml:"recover_interval"`       // hanging-item sweep
	ProcessingTimeout    time.Duration `yaml:"processing_timeout"`     // item considered hung after this
	ProcessingLockTTL    time.Duration `yaml:"processing_lock_ttl"`
	MonitorLockTTL       time.Duration `yaml:"monitor_lock_ttl"`
}

// AggregatorConfig holds bridge-quote aggregator settings.
type AggregatorConfig struct {
	URL      string        `yaml:"url"`
	Slippage float64       `yaml:"slippage"`
	Timeout  time.Duration `yaml:"timeout"`
}
