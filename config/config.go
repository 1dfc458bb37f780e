// Package config holds the bundler configuration, loaded from the process
// environment. The durable store, KV cache, and EVM endpoint are all
// addressed by DSN; everything else is a tunable with a production default.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config is the full bundler configuration.
type Config struct {
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Chain     ChainConfig
	Bundler   BundlerConfig
	Mempool   MempoolConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// HTTPConfig holds the public HTTP server configuration.
type HTTPConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds the durable store DSN.
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds the KV cache DSN.
type RedisConfig struct {
	URL string
}

// ChainConfig holds the EVM endpoint and EntryPoint parameters.
type ChainConfig struct {
	RPCURL     string
	ChainID    uint64
	EntryPoint common.Address
}

// BundlerConfig holds the bundling loop tunables.
type BundlerConfig struct {
	// PrivateKey is the hex-encoded ECDSA key used to sign handleOps
	// transactions. The derived address is the single tx submitter.
	PrivateKey string

	// Beneficiary receives the bundler fee refund from the EntryPoint.
	Beneficiary common.Address

	// MinSignerBalance drives the signer-balance health check (wei).
	MinSignerBalance *big.Int

	MaxOpsPerBundle int
	MaxBundleGas    uint64
	BundleInterval  time.Duration
	TxTimeout       time.Duration
	LockTTL         time.Duration

	// FeeBumpPercent is added to the provider's suggested fees.
	FeeBumpPercent int

	// GasBufferPercent is added to the estimated bundle gas limit.
	GasBufferPercent int
}

// MempoolConfig holds mempool admission tunables.
type MempoolConfig struct {
	MaxSize int
	TTL     time.Duration
}

// RateLimitConfig holds ingress throttling parameters.
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// DefaultConfig returns a Config with production defaults. DSNs and key
// material are intentionally empty and must come from the environment.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 4337,
		},
		Bundler: BundlerConfig{
			MinSignerBalance: big.NewInt(0),
			MaxOpsPerBundle:  10,
			MaxBundleGas:     10_000_000,
			BundleInterval:   5 * time.Second,
			TxTimeout:        120 * time.Second,
			LockTTL:          30 * time.Second,
			FeeBumpPercent:   20,
			GasBufferPercent: 20,
		},
		Mempool: MempoolConfig{
			MaxSize: 1000,
			TTL:     24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Window:      time.Minute,
			MaxRequests: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// FromEnv loads configuration from the process environment on top of the
// defaults. Unset variables keep their default values.
func FromEnv() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	cfg := DefaultConfig()

	if v.IsSet("PORT") {
		cfg.HTTP.Port = v.GetInt("PORT")
	}
	cfg.Database.URL = v.GetString("DATABASE_URL")
	cfg.Redis.URL = v.GetString("REDIS_URL")
	cfg.Chain.RPCURL = v.GetString("ETH_RPC_URL")
	cfg.Chain.ChainID = v.GetUint64("CHAIN_ID")

	if s := v.GetString("ENTRY_POINT_ADDRESS"); s != "" {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("config: invalid ENTRY_POINT_ADDRESS %q", s)
		}
		cfg.Chain.EntryPoint = common.HexToAddress(s)
	}

	cfg.Bundler.PrivateKey = strings.TrimPrefix(v.GetString("BUNDLER_PRIVATE_KEY"), "0x")
	if s := v.GetString("BUNDLER_BENEFICIARY"); s != "" {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("config: invalid BUNDLER_BENEFICIARY %q", s)
		}
		cfg.Bundler.Beneficiary = common.HexToAddress(s)
	}
	if s := v.GetString("BUNDLER_MIN_SIGNER_BALANCE"); s != "" {
		bal, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("config: invalid BUNDLER_MIN_SIGNER_BALANCE %q", s)
		}
		cfg.Bundler.MinSignerBalance = bal
	}

	if v.IsSet("MAX_OPS_PER_BUNDLE") {
		cfg.Bundler.MaxOpsPerBundle = v.GetInt("MAX_OPS_PER_BUNDLE")
	}
	if v.IsSet("MAX_BUNDLE_GAS") {
		cfg.Bundler.MaxBundleGas = v.GetUint64("MAX_BUNDLE_GAS")
	}
	if v.IsSet("BUNDLE_INTERVAL_MS") {
		cfg.Bundler.BundleInterval = time.Duration(v.GetInt64("BUNDLE_INTERVAL_MS")) * time.Millisecond
	}
	if v.IsSet("TX_TIMEOUT_MS") {
		cfg.Bundler.TxTimeout = time.Duration(v.GetInt64("TX_TIMEOUT_MS")) * time.Millisecond
	}
	if v.IsSet("LOCK_TTL_MS") {
		cfg.Bundler.LockTTL = time.Duration(v.GetInt64("LOCK_TTL_MS")) * time.Millisecond
	}
	if v.IsSet("MAX_MEMPOOL_SIZE") {
		cfg.Mempool.MaxSize = v.GetInt("MAX_MEMPOOL_SIZE")
	}
	if v.IsSet("RATE_LIMIT_WINDOW_MS") {
		cfg.RateLimit.Window = time.Duration(v.GetInt64("RATE_LIMIT_WINDOW_MS")) * time.Millisecond
	}
	if v.IsSet("RATE_LIMIT_MAX_REQUESTS") {
		cfg.RateLimit.MaxRequests = v.GetInt("RATE_LIMIT_MAX_REQUESTS")
	}
	if s := v.GetString("LOG_LEVEL"); s != "" {
		cfg.Log.Level = s
	}
	if s := v.GetString("LOG_FORMAT"); s != "" {
		cfg.Log.Format = s
	}

	return cfg, nil
}

// Validate checks the configuration for correctness. It is called once at
// startup before any component is constructed.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: invalid http port: %d", c.HTTP.Port)
	}
	if c.Database.URL == "" {
		return errors.New("config: DATABASE_URL must be set")
	}
	if c.Redis.URL == "" {
		return errors.New("config: REDIS_URL must be set")
	}
	if c.Chain.RPCURL == "" {
		return errors.New("config: ETH_RPC_URL must be set")
	}
	if c.Chain.ChainID == 0 {
		return errors.New("config: CHAIN_ID must be greater than 0")
	}
	if c.Chain.EntryPoint == (common.Address{}) {
		return errors.New("config: ENTRY_POINT_ADDRESS must be set")
	}
	if c.Bundler.PrivateKey == "" {
		return errors.New("config: BUNDLER_PRIVATE_KEY must be set")
	}
	if c.Bundler.Beneficiary == (common.Address{}) {
		return errors.New("config: BUNDLER_BENEFICIARY must be set")
	}
	if c.Bundler.MaxOpsPerBundle <= 0 {
		return fmt.Errorf("config: invalid MAX_OPS_PER_BUNDLE: %d", c.Bundler.MaxOpsPerBundle)
	}
	if c.Bundler.MaxBundleGas == 0 {
		return errors.New("config: MAX_BUNDLE_GAS must be greater than 0")
	}
	if c.Bundler.BundleInterval <= 0 {
		return errors.New("config: BUNDLE_INTERVAL_MS must be greater than 0")
	}
	if c.Bundler.TxTimeout <= 0 {
		return errors.New("config: TX_TIMEOUT_MS must be greater than 0")
	}
	if c.Bundler.LockTTL <= 0 {
		return errors.New("config: LOCK_TTL_MS must be greater than 0")
	}
	if c.Mempool.MaxSize <= 0 {
		return fmt.Errorf("config: invalid MAX_MEMPOOL_SIZE: %d", c.Mempool.MaxSize)
	}
	if c.RateLimit.MaxRequests < 0 {
		return fmt.Errorf("config: invalid RATE_LIMIT_MAX_REQUESTS: %d", c.RateLimit.MaxRequests)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}
