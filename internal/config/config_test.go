package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey1 = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testKey2 = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testKey3 = "0x5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
	testKey4 = "0x7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6"

	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

var envKeys = []string{
	"RPC_URLS", "PRIVATE_KEYS", "TOKEN_IDS", "CONTRACT_ADDRESS", "STORE_KEY",
	"GAS_LIMIT", "CHAIN_ID", "FEE_BASE_WEI", "FEE_STEP_WEI", "FEE_MAX_WEI",
	"PUBLISH_INTERVAL_SEC", "CONFIRM_TIMEOUT_SEC", "PROBE_TIMEOUT_SEC",
	"RECEIPT_POLL_MS", "RPC_TIMEOUT_SEC", "RPC_RATE_LIMIT", "RPC_RATE_LIMIT_BURST", "DATA_DIR", "TEMPLATE_PATH",
	"HTTP_PORT", "EVENT_STREAM_ENABLED", "REDIS_URL", "EVENT_STREAM_KEY",
	"EVENT_STREAM_MAXLEN", "EVENT_STREAM_QUEUE_SIZE", "ENDPOINT_BREAKER_FAILURES", "ENDPOINT_BREAKER_OPEN_SEC",
	"ALERT_SLACK_WEBHOOK_URL", "ALERT_WEBHOOK_URL", "ALERT_COOLDOWN_SEC",
	"ALERT_FAILURE_THRESHOLD", "TRACING_ENABLED", "TRACING_ENDPOINT",
	"TRACING_INSECURE", "TRACING_SAMPLE_RATIO", "LOG_LEVEL",
}

// clearEnv blanks every variable Load reads; getEnv treats empty as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("RPC_URLS", "https://rpc-a.example, https://rpc-b.example")
	t.Setenv("PRIVATE_KEYS", testKey1+","+testKey2+","+testKey3+","+testKey4)
	t.Setenv("TOKEN_IDS", "11,12,13,14")
	t.Setenv("CONTRACT_ADDRESS", testContract)
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://rpc-a.example", "https://rpc-b.example"}, cfg.Chain.RPCURLs)
	assert.Len(t, cfg.Chain.PrivateKeys, 4)
	assert.Equal(t, []uint64{11, 12, 13, 14}, cfg.Chain.TokenIDs)
	assert.Equal(t, testContract, cfg.Chain.ContractAddress)
	assert.Equal(t, uint64(2_000_000), cfg.Chain.GasLimit)
	assert.Equal(t, int64(0), cfg.Chain.ChainID)

	assert.Equal(t, uint64(1_000_000), cfg.Fees.BaseWei)
	assert.Equal(t, uint64(1_000_000), cfg.Fees.StepWei)
	assert.Equal(t, uint64(5_000_000), cfg.Fees.MaxWei)

	assert.Equal(t, time.Minute, cfg.PublishInterval())
	assert.Equal(t, 120*time.Second, cfg.ConfirmTimeout())
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout())
	assert.Equal(t, 2*time.Second, cfg.ReceiptPollInterval())
	assert.Equal(t, 30*time.Second, cfg.RPCTimeout())
	assert.Zero(t, cfg.Publish.RPCRateLimit)
	assert.Equal(t, 5, cfg.Publish.RPCRateLimitBurst)
	assert.Equal(t, 30*time.Second, cfg.BreakerOpenTimeout())
	assert.Equal(t, 10*time.Minute, cfg.AlertCooldown())

	assert.Equal(t, 5000, cfg.Server.HTTPPort)
	assert.Equal(t, "pixelboard_template.html", cfg.Storage.TemplatePath)
	assert.False(t, cfg.Stream.Enabled)
	assert.Equal(t, "pixelboard:events", cfg.Stream.Key)
	assert.Equal(t, 1024, cfg.Stream.QueueSize)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("FEE_BASE_WEI", "2000000")
	t.Setenv("FEE_MAX_WEI", "9000000")
	t.Setenv("PUBLISH_INTERVAL_SEC", "15")
	t.Setenv("HTTP_PORT", "8081")
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("EVENT_STREAM_ENABLED", "true")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, uint64(2_000_000), cfg.FeePolicy().Base)
	assert.Equal(t, uint64(9_000_000), cfg.FeePolicy().Max)
	assert.Equal(t, 15*time.Second, cfg.PublishInterval())
	assert.Equal(t, 8081, cfg.Server.HTTPPort)
	assert.Equal(t, int64(31337), cfg.Chain.ChainID)
	assert.True(t, cfg.Stream.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidNumberFallsBack(t *testing.T) {
	setRequired(t)
	t.Setenv("HTTP_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.HTTPPort)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "pixelboard.yaml")
	body := `
chain:
  rpc_urls: ["https://file-rpc.example"]
  private_keys:
    - "` + testKey1 + `"
    - "` + testKey2 + `"
    - "` + testKey3 + `"
    - "` + testKey4 + `"
  token_ids: [1, 2, 3, 4]
  contract_address: "` + testContract + `"
fees:
  max_wei: 7000000
publish:
  interval_sec: 30
server:
  http_port: 9000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("HTTP_PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://file-rpc.example"}, cfg.Chain.RPCURLs)
	assert.Equal(t, []uint64{1, 2, 3, 4}, cfg.Chain.TokenIDs)
	assert.Equal(t, uint64(7_000_000), cfg.Fees.MaxWei)
	assert.Equal(t, uint64(1_000_000), cfg.Fees.BaseWei, "unset file keys keep defaults")
	assert.Equal(t, 30*time.Second, cfg.PublishInterval())
	assert.Equal(t, 9100, cfg.Server.HTTPPort, "env wins over file")
}

func TestLoad_EmptyYAMLFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.HTTPPort)
}

func TestLoad_YAMLUnknownField(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_prot: 1\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestLoad_MissingFile(t *testing.T) {
	setRequired(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "no rpc urls", env: map[string]string{"RPC_URLS": " , "}, wantErr: "RPC_URLS is required"},
		{name: "three keys", env: map[string]string{"PRIVATE_KEYS": testKey1 + "," + testKey2 + "," + testKey3}, wantErr: "PRIVATE_KEYS must list 4 keys"},
		{name: "bad key", env: map[string]string{"PRIVATE_KEYS": testKey1 + "," + testKey2 + "," + testKey3 + ",0xzz"}, wantErr: "PRIVATE_KEYS[3]"},
		{name: "five token ids", env: map[string]string{"TOKEN_IDS": "1,2,3,4,5"}, wantErr: "TOKEN_IDS must list 4 ids"},
		{name: "token id not a number", env: map[string]string{"TOKEN_IDS": "1,2,x,4"}, wantErr: "TOKEN_IDS"},
		{name: "bad contract", env: map[string]string{"CONTRACT_ADDRESS": "0x1234"}, wantErr: "CONTRACT_ADDRESS"},
		{name: "bad store key", env: map[string]string{"STORE_KEY": "0xabc"}, wantErr: "STORE_KEY"},
		{name: "base above max", env: map[string]string{"FEE_BASE_WEI": "6000000"}, wantErr: "fee policy"},
		{name: "zero step", env: map[string]string{"FEE_STEP_WEI": "0"}, wantErr: "fee policy"},
		{name: "zero interval", env: map[string]string{"PUBLISH_INTERVAL_SEC": "0"}, wantErr: "PUBLISH_INTERVAL_SEC"},
		{name: "negative rate limit", env: map[string]string{"RPC_RATE_LIMIT": "-1"}, wantErr: "RPC_RATE_LIMIT"},
		{name: "port out of range", env: map[string]string{"HTTP_PORT": "70000"}, wantErr: "HTTP_PORT"},
		{name: "stream without redis", env: map[string]string{"EVENT_STREAM_ENABLED": "true"}, wantErr: "REDIS_URL"},
		{name: "zero stream queue", env: map[string]string{"EVENT_STREAM_QUEUE_SIZE": "0"}, wantErr: "EVENT_STREAM_QUEUE_SIZE"},
		{name: "tracing without endpoint", env: map[string]string{"TRACING_ENABLED": "true"}, wantErr: "TRACING_ENDPOINT"},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "loud"}, wantErr: "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_KeyNeverEchoed(t *testing.T) {
	setRequired(t)
	secret := "0xdeadbeefnotakey"
	t.Setenv("PRIVATE_KEYS", testKey1+","+testKey2+","+testKey3+","+secret)

	_, err := Load("")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), secret)
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLogLevel("trace")
	assert.Error(t, err)
}
