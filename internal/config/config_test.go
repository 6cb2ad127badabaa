package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(2), cfg.ObjectLog.MaxPriorityFeeGwei)
	assert.Equal(t, "anthropic", cfg.Judge.Provider)
	assert.Equal(t, "arbiter-evaluator", cfg.Judge.EvaluatorID)
	assert.Equal(t, uint64(500_000), cfg.Chain.GasLimitPayment)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.EvalInterval())
	assert.Equal(t, 130*time.Second, cfg.Orchestrator.PayoutInterval())
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.PayoutStagger())
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.Dwell())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	yaml := `
objectlog:
  gateway_url: https://log.example.com
  max_priority_fee_gwei: 5
orchestrator:
  eval_interval_secs: 45
  dwell_secs: 90
judge:
  model: claude-haiku-4-5-20251001
`
	require.NoError(t, os.WriteFile("config.yaml", []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://log.example.com", cfg.ObjectLog.GatewayURL)
	assert.Equal(t, int64(5), cfg.ObjectLog.MaxPriorityFeeGwei)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.EvalInterval())
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.Dwell())
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Judge.Model)
	// Untouched defaults survive.
	assert.Equal(t, 130*time.Second, cfg.Orchestrator.PayoutInterval())
}

func TestValidate_MissingEssentials(t *testing.T) {
	full := Config{
		ObjectLog: ObjectLogConfig{GatewayURL: "https://log"},
		Chain:     ChainConfig{RPCURL: "https://rpc", PrivateKey: "ab"},
		Judge:     JudgeConfig{APIKey: "sk"},
	}
	require.NoError(t, full.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing gateway", func(c *Config) { c.ObjectLog.GatewayURL = "" }, "gateway_url"},
		{"missing rpc", func(c *Config) { c.Chain.RPCURL = "" }, "rpc_url"},
		{"missing signing key", func(c *Config) { c.Chain.PrivateKey = "" }, "private_key"},
		{"missing judge key", func(c *Config) { c.Judge.APIKey = "" }, "api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.Error(t, InitLogger(LogConfig{Level: "not-a-level"}))
}
