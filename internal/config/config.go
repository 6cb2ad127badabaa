// Package config loads application configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	ObjectLog    ObjectLogConfig    `yaml:"objectlog" mapstructure:"objectlog"`
	Chain        ChainConfig        `yaml:"chain" mapstructure:"chain"`
	Judge        JudgeConfig        `yaml:"judge" mapstructure:"judge"`
	Content      ContentConfig      `yaml:"content" mapstructure:"content"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// ObjectLogConfig configures the object-log gateway client.
type ObjectLogConfig struct {
	GatewayURL string `yaml:"gateway_url" mapstructure:"gateway_url"`
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
	// MaxPriorityFeeGwei is the admission-control ceiling for storage
	// writes; 0 disables the check.
	MaxPriorityFeeGwei int64 `yaml:"max_priority_fee_gwei" mapstructure:"max_priority_fee_gwei"`
	RetryMaxAttempts   int   `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
}

// ChainConfig configures the settlement-chain client.
type ChainConfig struct {
	RPCURL        string `yaml:"rpc_url" mapstructure:"rpc_url"`
	ChainID       int64  `yaml:"chain_id" mapstructure:"chain_id"`
	PrivateKey    string `yaml:"private_key" mapstructure:"private_key"`
	SchemaFile    string `yaml:"schema_file" mapstructure:"schema_file"`
	PayoutAgentID string `yaml:"payout_agent_id" mapstructure:"payout_agent_id"`

	// Per-call gas limits, externally configurable with fixed defaults.
	GasLimitPayment     uint64 `yaml:"gas_limit_payment" mapstructure:"gas_limit_payment"`
	GasLimitRegister    uint64 `yaml:"gas_limit_register" mapstructure:"gas_limit_register"`
	GasLimitSubmit      uint64 `yaml:"gas_limit_submit" mapstructure:"gas_limit_submit"`
	GasLimitAggregation uint64 `yaml:"gas_limit_aggregation" mapstructure:"gas_limit_aggregation"`

	ReceiptTimeoutSecs int `yaml:"receipt_timeout_secs" mapstructure:"receipt_timeout_secs"`
}

// JudgeConfig configures the LLM judge.
type JudgeConfig struct {
	Provider      string  `yaml:"provider" mapstructure:"provider"`
	APIKey        string  `yaml:"api_key" mapstructure:"api_key"`
	Model         string  `yaml:"model" mapstructure:"model"`
	MaxTokens     int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	CallsPerMin   float64 `yaml:"calls_per_min" mapstructure:"calls_per_min"`
	EvaluatorID   string  `yaml:"evaluator_id" mapstructure:"evaluator_id"`
	ExcerptLength int     `yaml:"excerpt_length" mapstructure:"excerpt_length"`
}

// ContentConfig configures knowledge-base content fetching.
type ContentConfig struct {
	GatewayURL   string `yaml:"gateway_url" mapstructure:"gateway_url"`
	CachePath    string `yaml:"cache_path" mapstructure:"cache_path"`
	CacheTTLHrs  int    `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	FetchTimeout int    `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
}

// OrchestratorConfig configures the two polling loops.
type OrchestratorConfig struct {
	EvalIntervalSecs   int `yaml:"eval_interval_secs" mapstructure:"eval_interval_secs"`
	PayoutIntervalSecs int `yaml:"payout_interval_secs" mapstructure:"payout_interval_secs"`
	PayoutStaggerSecs  int `yaml:"payout_stagger_secs" mapstructure:"payout_stagger_secs"`
	DwellSecs          int `yaml:"dwell_secs" mapstructure:"dwell_secs"`
}

// EvalInterval returns the evaluation loop tick interval.
func (o OrchestratorConfig) EvalInterval() time.Duration {
	return time.Duration(o.EvalIntervalSecs) * time.Second
}

// PayoutInterval returns the payout loop tick interval.
func (o OrchestratorConfig) PayoutInterval() time.Duration {
	return time.Duration(o.PayoutIntervalSecs) * time.Second
}

// PayoutStagger returns the payout loop start offset.
func (o OrchestratorConfig) PayoutStagger() time.Duration {
	return time.Duration(o.PayoutStaggerSecs) * time.Second
}

// Dwell returns the minimum wait between question submission and evaluation
// eligibility.
func (o OrchestratorConfig) Dwell() time.Duration {
	return time.Duration(o.DwellSecs) * time.Second
}

// ServerConfig configures the front-door HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// DefaultToken and DefaultArbiter parameterize payment statements
	// created at question submission.
	DefaultToken   string `yaml:"default_token" mapstructure:"default_token"`
	DefaultArbiter string `yaml:"default_arbiter" mapstructure:"default_arbiter"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ARBITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("objectlog.max_priority_fee_gwei", 2)
	v.SetDefault("objectlog.retry_max_attempts", 4)
	v.SetDefault("chain.chain_id", 84532)
	v.SetDefault("chain.schema_file", "schemas.yaml")
	v.SetDefault("chain.payout_agent_id", "arbiter-payout")
	v.SetDefault("chain.gas_limit_payment", 500_000)
	v.SetDefault("chain.gas_limit_register", 200_000)
	v.SetDefault("chain.gas_limit_submit", 400_000)
	v.SetDefault("chain.gas_limit_aggregation", 300_000)
	v.SetDefault("chain.receipt_timeout_secs", 90)
	v.SetDefault("judge.provider", "anthropic")
	v.SetDefault("judge.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("judge.max_tokens", 1024)
	v.SetDefault("judge.calls_per_min", 60)
	v.SetDefault("judge.evaluator_id", "arbiter-evaluator")
	v.SetDefault("judge.excerpt_length", 8000)
	v.SetDefault("content.gateway_url", "https://ipfs.io")
	v.SetDefault("content.cache_path", "content-cache.db")
	v.SetDefault("content.cache_ttl_hours", 24)
	v.SetDefault("content.fetch_timeout_secs", 30)
	v.SetDefault("orchestrator.eval_interval_secs", 60)
	v.SetDefault("orchestrator.payout_interval_secs", 130)
	v.SetDefault("orchestrator.payout_stagger_secs", 30)
	v.SetDefault("orchestrator.dwell_secs", 60)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the service cannot start without. Missing
// essentials fail the whole service at startup rather than surfacing later
// as per-request errors.
func (c *Config) Validate() error {
	if c.ObjectLog.GatewayURL == "" {
		return eris.New("config: objectlog.gateway_url is required")
	}
	if c.Chain.RPCURL == "" {
		return eris.New("config: chain.rpc_url is required")
	}
	if c.Chain.PrivateKey == "" {
		return eris.New("config: chain.private_key is required")
	}
	if c.Judge.APIKey == "" {
		return eris.New("config: judge.api_key is required")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
