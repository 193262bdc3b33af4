// Package config loads operator configuration from environment variables,
// optionally seeded from a YAML file passed with --config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full configuration for the swap operator process.
type Config struct {
	// Operator identity
	OperatorPrivateKey string `yaml:"operator_private_key"`

	// L1 (Mina) escrow pool
	L1GraphQLEndpoint string `yaml:"l1_graphql_endpoint"`
	L1PoolAddress     string `yaml:"l1_pool_address"`
	L1TxFee           uint64 `yaml:"l1_tx_fee"`
	ProverEndpoint    string `yaml:"prover_endpoint"`

	// L2 (Zcash) per-trade escrow daemons
	L2DaemonBaseURL string `yaml:"l2_daemon_base_url"`
	L2BasePort      int    `yaml:"l2_base_port"`
	L2PortRange     int    `yaml:"l2_port_range"`
	L2OperatorToken string `yaml:"l2_operator_token"`

	// Address mapping store
	ResolverURL string `yaml:"resolver_url"`
	ResolverKey string `yaml:"resolver_key"`

	// Price oracle
	OracleURL         string        `yaml:"oracle_url"`
	OracleKey         string        `yaml:"oracle_key"`
	OracleSlippageBps int           `yaml:"oracle_slippage_bps"`
	OracleTTL         time.Duration `yaml:"oracle_ttl"`

	// Scheduling
	PollInterval         time.Duration `yaml:"poll_interval"`
	SettlementInterval   time.Duration `yaml:"settlement_interval"`
	SettlementMinActions int           `yaml:"settlement_min_actions"`

	// Process surface
	LogLevel        string `yaml:"log_level"`
	AdminPort       int    `yaml:"admin_port"`
	TrackedKeysFile string `yaml:"tracked_keys_file"`
}

// Load builds a Config from defaults, an optional YAML file, and finally
// environment variables. Env values win over file values.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	cfg.applyEnv()

	if cfg.ProverEndpoint == "" {
		cfg.ProverEndpoint = cfg.L1GraphQLEndpoint
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		L1TxFee:              100_000_000,
		L2DaemonBaseURL:      "http://127.0.0.1",
		L2BasePort:           8700,
		L2PortRange:          200,
		OracleTTL:            8 * time.Minute,
		PollInterval:         15 * time.Second,
		SettlementInterval:   60 * time.Second,
		SettlementMinActions: 1,
		LogLevel:             "info",
		AdminPort:            8090,
		TrackedKeysFile:      "data/tracked-keys.json",
	}
}

func (c *Config) applyEnv() {
	c.OperatorPrivateKey = getEnvOrDefault("OPERATOR_PRIVATE_KEY", c.OperatorPrivateKey)
	c.L1GraphQLEndpoint = getEnvOrDefault("L1_GRAPHQL_ENDPOINT", c.L1GraphQLEndpoint)
	c.L1PoolAddress = getEnvOrDefault("L1_POOL_ADDRESS", c.L1PoolAddress)
	c.L1TxFee = getUint64Env("L1_TX_FEE", c.L1TxFee)
	c.ProverEndpoint = getEnvOrDefault("PROVER_ENDPOINT", c.ProverEndpoint)

	c.L2DaemonBaseURL = getEnvOrDefault("L2_DAEMON_BASE_URL", c.L2DaemonBaseURL)
	c.L2BasePort = getIntEnv("L2_BASE_PORT", c.L2BasePort)
	c.L2PortRange = getIntEnv("L2_PORT_RANGE", c.L2PortRange)
	c.L2OperatorToken = getEnvOrDefault("L2_OPERATOR_TOKEN", c.L2OperatorToken)

	c.ResolverURL = getEnvOrDefault("RESOLVER_URL", c.ResolverURL)
	c.ResolverKey = getEnvOrDefault("RESOLVER_KEY", c.ResolverKey)

	c.OracleURL = getEnvOrDefault("ORACLE_URL", c.OracleURL)
	c.OracleKey = getEnvOrDefault("ORACLE_KEY", c.OracleKey)
	c.OracleSlippageBps = getIntEnv("ORACLE_SLIPPAGE_BPS", c.OracleSlippageBps)
	c.OracleTTL = getMillisEnv("ORACLE_TTL_MS", c.OracleTTL)

	c.PollInterval = getMillisEnv("POLL_INTERVAL_MS", c.PollInterval)
	c.SettlementInterval = getMillisEnv("SETTLEMENT_INTERVAL_MS", c.SettlementInterval)
	c.SettlementMinActions = getIntEnv("SETTLEMENT_MIN_ACTIONS", c.SettlementMinActions)

	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.AdminPort = getIntEnv("ADMIN_PORT", c.AdminPort)
	c.TrackedKeysFile = getEnvOrDefault("TRACKED_KEYS_FILE", c.TrackedKeysFile)
}

// Validate checks that every required key is present.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"OPERATOR_PRIVATE_KEY", c.OperatorPrivateKey},
		{"L1_GRAPHQL_ENDPOINT", c.L1GraphQLEndpoint},
		{"L1_POOL_ADDRESS", c.L1PoolAddress},
		{"L2_OPERATOR_TOKEN", c.L2OperatorToken},
		{"RESOLVER_URL", c.ResolverURL},
		{"RESOLVER_KEY", c.ResolverKey},
		{"ORACLE_URL", c.OracleURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}
	if c.L2BasePort <= 0 || c.L2PortRange <= 0 {
		return fmt.Errorf("L2_BASE_PORT and L2_PORT_RANGE must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if c.SettlementInterval <= 0 {
		return fmt.Errorf("SETTLEMENT_INTERVAL_MS must be positive")
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getUint64Env(key string, defaultValue uint64) uint64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return result
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
