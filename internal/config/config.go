package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/0gfoundation/0g-inference-settlement/internal/chains"
)

type Config struct {
	Redis      RedisConfig
	Server     ServerConfig
	Signer     SignerConfig
	Chains     []ChainConfig
	Default    ChainConfig `mapstructure:"default_chain"`
	Checkpoint CheckpointConfig
	Session    SessionConfig
	Ledger     LedgerConfig
	Slash      SlashConfig
	Settlement SettlementConfig
	Proof      ProofConfig
	Operators  []string
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ServerConfig struct {
	Port     int `mapstructure:"port"`
	GRPCPort int `mapstructure:"grpc_port"`
}

type SignerConfig struct {
	PrivateKey       string `mapstructure:"private_key"`
	KeystorePath     string `mapstructure:"keystore"`
	KeystorePassword string `mapstructure:"keystore_password"`
}

// ChainConfig is one entry of the chain table. Preset fills in the
// well-known values for "base-sepolia" or "opbnb-testnet"; explicit
// fields override it.
type ChainConfig struct {
	Preset             string  `mapstructure:"preset"`
	ChainID            uint64  `mapstructure:"chain_id"`
	Name               string  `mapstructure:"name"`
	RPCURL             string  `mapstructure:"rpc_url"`
	Symbol             string  `mapstructure:"symbol"`
	JobMarketplace     string  `mapstructure:"job_marketplace"`
	NodeRegistry       string  `mapstructure:"node_registry"`
	HostEarnings       string  `mapstructure:"host_earnings"`
	ProofSystem        string  `mapstructure:"proof_system"`
	StableToken        string  `mapstructure:"stable_token"`
	ConfirmationBlocks uint64  `mapstructure:"confirmation_blocks"`
	GasMultiplier      float64 `mapstructure:"gas_multiplier"`
}

type CheckpointConfig struct {
	Threshold          uint64 `mapstructure:"threshold"`
	MinProvenTokens    uint64 `mapstructure:"min_proven_tokens"`
	SubmitTimeoutSec   int64  `mapstructure:"submit_timeout_sec"`
	ReconcileWindowSec int64  `mapstructure:"reconcile_window_sec"`
}

type SessionConfig struct {
	MaxSessions      int   `mapstructure:"max_sessions"`
	IdleTimeoutSec   int64 `mapstructure:"idle_timeout_sec"`
	SweepIntervalSec int64 `mapstructure:"sweep_interval_sec"`
}

type LedgerConfig struct {
	ConfirmTimeoutSec int64   `mapstructure:"confirm_timeout_sec"`
	PollIntervalMs    int64   `mapstructure:"poll_interval_ms"`
	RateLimit         float64 `mapstructure:"rate_limit"`
	RateBurst         int     `mapstructure:"rate_burst"`
}

type SlashConfig struct {
	PollIntervalSec int64  `mapstructure:"poll_interval_sec"`
	MaxBlockRange   uint64 `mapstructure:"max_block_range"`
	StartBlock      uint64 `mapstructure:"start_block"`
}

type SettlementConfig struct {
	MaxAttempts        int    `mapstructure:"max_attempts"`
	MinGasBalanceWei   string `mapstructure:"min_gas_balance_wei"`
	BalanceCacheTTLSec int64  `mapstructure:"balance_cache_ttl_sec"`
}

type ProofConfig struct {
	BridgeURL   string `mapstructure:"bridge_url"`
	BridgeToken string `mapstructure:"bridge_token"`
}

// Load reads defaults, an optional config file and the environment. When
// path is empty config.yaml is looked up in . and /app.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("checkpoint.threshold", 1000)
	v.SetDefault("checkpoint.min_proven_tokens", 100)
	v.SetDefault("checkpoint.submit_timeout_sec", 60)
	v.SetDefault("checkpoint.reconcile_window_sec", 600)
	v.SetDefault("session.max_sessions", 1000)
	v.SetDefault("session.idle_timeout_sec", 1800)
	v.SetDefault("session.sweep_interval_sec", 300)
	v.SetDefault("ledger.confirm_timeout_sec", 60)
	v.SetDefault("ledger.poll_interval_ms", 2000)
	v.SetDefault("ledger.rate_limit", 10)
	v.SetDefault("ledger.rate_burst", 20)
	v.SetDefault("slash.poll_interval_sec", 5)
	v.SetDefault("slash.max_block_range", 2000)
	v.SetDefault("settlement.max_attempts", 10)
	v.SetDefault("settlement.min_gas_balance_wei", "1000000000000000")
	v.SetDefault("settlement.balance_cache_ttl_sec", 30)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/app")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                     "REDIS_ADDR",
		"redis.password":                 "REDIS_PASSWORD",
		"server.port":                    "PORT",
		"server.grpc_port":               "GRPC_PORT",
		"signer.private_key":             "HOST_PRIVATE_KEY",
		"signer.keystore":                "HOST_KEYSTORE",
		"signer.keystore_password":       "HOST_KEYSTORE_PASSWORD",
		"default_chain.chain_id":         "CHAIN_ID",
		"default_chain.rpc_url":          "RPC_URL",
		"default_chain.job_marketplace":  "JOB_MARKETPLACE_CONTRACT",
		"default_chain.node_registry":    "NODE_REGISTRY_CONTRACT",
		"checkpoint.threshold":           "CHECKPOINT_THRESHOLD",
		"checkpoint.min_proven_tokens":   "MIN_PROVEN_TOKENS",
		"session.max_sessions":           "MAX_SESSIONS",
		"session.idle_timeout_sec":       "SESSION_IDLE_TIMEOUT_SEC",
		"settlement.max_attempts":        "SETTLEMENT_MAX_ATTEMPTS",
		"settlement.min_gas_balance_wei": "MIN_GAS_BALANCE_WEI",
		"proof.bridge_url":               "STORAGE_BRIDGE_URL",
		"proof.bridge_token":             "STORAGE_BRIDGE_TOKEN",
		"operators":                      "OPERATOR_ADDRESSES",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	var result *multierror.Error
	if c.Redis.Addr == "" {
		result = multierror.Append(result, errors.New("required config missing: REDIS_ADDR"))
	}
	if c.Signer.PrivateKey == "" && c.Signer.KeystorePath == "" {
		result = multierror.Append(result, errors.New("required config missing: HOST_PRIVATE_KEY or HOST_KEYSTORE"))
	}
	if len(c.Chains) == 0 && c.Default.ChainID == 0 && c.Default.Preset == "" {
		result = multierror.Append(result, errors.New("no chains configured: set chains or CHAIN_ID"))
	}
	if c.Checkpoint.Threshold == 0 {
		result = multierror.Append(result, errors.New("checkpoint.threshold must be positive"))
	}
	if c.Checkpoint.MinProvenTokens > c.Checkpoint.Threshold {
		result = multierror.Append(result, errors.New("checkpoint.min_proven_tokens must not exceed the threshold"))
	}
	if _, ok := new(big.Int).SetString(c.Settlement.MinGasBalanceWei, 10); !ok {
		result = multierror.Append(result, fmt.Errorf("settlement.min_gas_balance_wei %q is not an integer", c.Settlement.MinGasBalanceWei))
	}
	for _, op := range c.Operators {
		if !common.IsHexAddress(strings.TrimSpace(op)) {
			result = multierror.Append(result, fmt.Errorf("operator %q is not an address", op))
		}
	}
	if _, err := c.ChainConfigs(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// ChainConfigs resolves the chain table. The default chain (from the
// environment) is used only when no chains list is configured, and its
// RPC URL overrides the first entry's when both are set.
func (c *Config) ChainConfigs() ([]chains.Config, error) {
	entries := c.Chains
	if len(entries) == 0 {
		if c.Default.ChainID == 0 && c.Default.Preset == "" {
			return nil, nil
		}
		entries = []ChainConfig{c.Default}
	} else if c.Default.RPCURL != "" {
		entries = append([]ChainConfig(nil), entries...)
		entries[0].RPCURL = c.Default.RPCURL
	}

	var result *multierror.Error
	out := make([]chains.Config, 0, len(entries))
	for i, e := range entries {
		cc, err := e.resolve()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("chains[%d]: %w", i, err))
			continue
		}
		out = append(out, cc)
	}
	return out, result.ErrorOrNil()
}

func (e ChainConfig) resolve() (chains.Config, error) {
	var cc chains.Config
	switch e.Preset {
	case "":
	case "base-sepolia":
		cc = chains.BaseSepolia(e.RPCURL)
	case "opbnb-testnet":
		cc = chains.OpBNBTestnet(e.RPCURL)
	default:
		return cc, fmt.Errorf("unknown preset %q", e.Preset)
	}
	if e.ChainID != 0 {
		cc.ChainID = e.ChainID
	}
	if e.Name != "" {
		cc.Name = e.Name
	}
	if e.RPCURL != "" {
		cc.RPCURL = e.RPCURL
	}
	if e.Symbol != "" {
		cc.NativeToken = chains.TokenInfo{Symbol: e.Symbol, Decimals: 18}
	}
	if e.ConfirmationBlocks != 0 {
		cc.ConfirmationBlocks = e.ConfirmationBlocks
	}
	if e.GasMultiplier != 0 {
		cc.GasMultiplier = e.GasMultiplier
	}

	for _, a := range []struct {
		raw  string
		name string
		dst  *common.Address
	}{
		{e.JobMarketplace, "job_marketplace", &cc.Contracts.JobMarketplace},
		{e.NodeRegistry, "node_registry", &cc.Contracts.NodeRegistry},
		{e.HostEarnings, "host_earnings", &cc.Contracts.HostEarnings},
		{e.ProofSystem, "proof_system", &cc.Contracts.ProofSystem},
		{e.StableToken, "stable_token", &cc.Contracts.StableToken},
	} {
		if a.raw == "" {
			continue
		}
		if !common.IsHexAddress(a.raw) {
			return cc, fmt.Errorf("%s %q is not an address", a.name, a.raw)
		}
		*a.dst = common.HexToAddress(a.raw)
	}
	return cc, nil
}

// OperatorAddresses returns the parsed operator allow-list.
func (c *Config) OperatorAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Operators))
	for _, op := range c.Operators {
		out = append(out, common.HexToAddress(strings.TrimSpace(op)))
	}
	return out
}

// MinGasBalance is settlement.min_gas_balance_wei as a big.Int.
func (c *Config) MinGasBalance() *big.Int {
	b, _ := new(big.Int).SetString(c.Settlement.MinGasBalanceWei, 10)
	return b
}

func seconds(n int64) time.Duration { return time.Duration(n) * time.Second }

func (c CheckpointConfig) SubmitTimeout() time.Duration { return seconds(c.SubmitTimeoutSec) }
func (c CheckpointConfig) ReconcileWindow() time.Duration { return seconds(c.ReconcileWindowSec) }
func (c SessionConfig) IdleTimeout() time.Duration { return seconds(c.IdleTimeoutSec) }
func (c SessionConfig) SweepInterval() time.Duration { return seconds(c.SweepIntervalSec) }
func (c LedgerConfig) ConfirmTimeout() time.Duration { return seconds(c.ConfirmTimeoutSec) }
func (c LedgerConfig) PollInterval() time.Duration { return time.Duration(c.PollIntervalMs) * time.Millisecond }
func (c SlashConfig) PollInterval() time.Duration { return seconds(c.PollIntervalSec) }
func (c SettlementConfig) BalanceCacheTTL() time.Duration { return seconds(c.BalanceCacheTTLSec) }
