package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/pixelboard/internal/board"
	"github.com/emperorhan/pixelboard/internal/chain/contract"
	"github.com/emperorhan/pixelboard/internal/chain/signer"
	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Chain   ChainConfig   `yaml:"chain"`
	Fees    FeeConfig     `yaml:"fees"`
	Publish PublishConfig `yaml:"publish"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Stream  StreamConfig  `yaml:"stream"`
	Breaker BreakerConfig `yaml:"breaker"`
	Alert   AlertConfig   `yaml:"alert"`
	Tracing TracingConfig `yaml:"tracing"`
	Log     LogConfig     `yaml:"log"`
}

type ChainConfig struct {
	RPCURLs         []string `yaml:"rpc_urls"`
	PrivateKeys     []string `yaml:"private_keys"`
	TokenIDs        []uint64 `yaml:"token_ids"`
	ContractAddress string   `yaml:"contract_address"`
	StoreKey        string   `yaml:"store_key"`
	GasLimit        uint64   `yaml:"gas_limit"`
	ChainID         int64    `yaml:"chain_id"` // 0 = use each endpoint's eth_chainId
}

type FeeConfig struct {
	BaseWei uint64 `yaml:"base_wei"`
	StepWei uint64 `yaml:"step_wei"`
	MaxWei  uint64 `yaml:"max_wei"`
}

type PublishConfig struct {
	IntervalSec       int `yaml:"interval_sec"`
	ConfirmTimeoutSec int `yaml:"confirm_timeout_sec"`
	ProbeTimeoutSec   int `yaml:"probe_timeout_sec"`
	ReceiptPollMS     int `yaml:"receipt_poll_ms"`
	RPCTimeoutSec     int `yaml:"rpc_timeout_sec"`
	// RPCRateLimit paces calls per endpoint; 0 leaves them unpaced.
	RPCRateLimit      float64 `yaml:"rpc_rate_limit"`
	RPCRateLimitBurst int     `yaml:"rpc_rate_limit_burst"`
}

type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	TemplatePath string `yaml:"template_path"`
}

type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

type StreamConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RedisURL string `yaml:"redis_url"`
	Key      string `yaml:"key"`
	MaxLen   int64  `yaml:"max_len"`
	// QueueSize bounds accepted events waiting for the stream writer.
	QueueSize int `yaml:"queue_size"`
}

type BreakerConfig struct {
	Failures int `yaml:"failures"`
	OpenSec  int `yaml:"open_sec"`
}

type AlertConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	WebhookURL       string `yaml:"webhook_url"`
	CooldownSec      int    `yaml:"cooldown_sec"`
	FailureThreshold int    `yaml:"failure_threshold"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when neither file nor environment
// sets a value.
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			StoreKey: contract.DefaultStoreKey,
			GasLimit: 2_000_000,
		},
		Fees: FeeConfig{
			BaseWei: board.DefaultBaseFee,
			StepWei: board.DefaultFeeStep,
			MaxWei:  board.DefaultMaxFee,
		},
		Publish: PublishConfig{
			IntervalSec:       60,
			ConfirmTimeoutSec: 120,
			ProbeTimeoutSec:   5,
			ReceiptPollMS:     2000,
			RPCTimeoutSec:     30,
			RPCRateLimitBurst: 5,
		},
		Storage: StorageConfig{
			DataDir:      ".",
			TemplatePath: "pixelboard_template.html",
		},
		Server: ServerConfig{HTTPPort: 5000},
		Stream: StreamConfig{
			Key:       "pixelboard:events",
			MaxLen:    10000,
			QueueSize: 1024,
		},
		Breaker: BreakerConfig{Failures: 3, OpenSec: 30},
		Alert: AlertConfig{
			CooldownSec:      600,
			FailureThreshold: 5,
		},
		Tracing: TracingConfig{Insecure: true, SampleRatio: 1},
		Log:     LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (if path is non-empty), then environment variables, and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Chain.RPCURLs = getEnvList("RPC_URLS", c.Chain.RPCURLs)
	c.Chain.PrivateKeys = getEnvList("PRIVATE_KEYS", c.Chain.PrivateKeys)
	if ids := getEnv("TOKEN_IDS", ""); ids != "" {
		parsed, err := parseUintList(ids)
		if err != nil {
			return fmt.Errorf("TOKEN_IDS: %w", err)
		}
		c.Chain.TokenIDs = parsed
	}
	c.Chain.ContractAddress = getEnv("CONTRACT_ADDRESS", c.Chain.ContractAddress)
	c.Chain.StoreKey = getEnv("STORE_KEY", c.Chain.StoreKey)
	c.Chain.GasLimit = getEnvUint64("GAS_LIMIT", c.Chain.GasLimit)
	c.Chain.ChainID = int64(getEnvUint64("CHAIN_ID", uint64(c.Chain.ChainID)))

	c.Fees.BaseWei = getEnvUint64("FEE_BASE_WEI", c.Fees.BaseWei)
	c.Fees.StepWei = getEnvUint64("FEE_STEP_WEI", c.Fees.StepWei)
	c.Fees.MaxWei = getEnvUint64("FEE_MAX_WEI", c.Fees.MaxWei)

	c.Publish.IntervalSec = getEnvInt("PUBLISH_INTERVAL_SEC", c.Publish.IntervalSec)
	c.Publish.ConfirmTimeoutSec = getEnvInt("CONFIRM_TIMEOUT_SEC", c.Publish.ConfirmTimeoutSec)
	c.Publish.ProbeTimeoutSec = getEnvInt("PROBE_TIMEOUT_SEC", c.Publish.ProbeTimeoutSec)
	c.Publish.ReceiptPollMS = getEnvInt("RECEIPT_POLL_MS", c.Publish.ReceiptPollMS)
	c.Publish.RPCTimeoutSec = getEnvInt("RPC_TIMEOUT_SEC", c.Publish.RPCTimeoutSec)
	c.Publish.RPCRateLimit = getEnvFloat("RPC_RATE_LIMIT", c.Publish.RPCRateLimit)
	c.Publish.RPCRateLimitBurst = getEnvInt("RPC_RATE_LIMIT_BURST", c.Publish.RPCRateLimitBurst)

	c.Storage.DataDir = getEnv("DATA_DIR", c.Storage.DataDir)
	c.Storage.TemplatePath = getEnv("TEMPLATE_PATH", c.Storage.TemplatePath)

	c.Server.HTTPPort = getEnvInt("HTTP_PORT", c.Server.HTTPPort)

	c.Stream.Enabled = getEnvBool("EVENT_STREAM_ENABLED", c.Stream.Enabled)
	c.Stream.RedisURL = getEnv("REDIS_URL", c.Stream.RedisURL)
	c.Stream.Key = getEnv("EVENT_STREAM_KEY", c.Stream.Key)
	c.Stream.MaxLen = int64(getEnvInt("EVENT_STREAM_MAXLEN", int(c.Stream.MaxLen)))
	c.Stream.QueueSize = getEnvInt("EVENT_STREAM_QUEUE_SIZE", c.Stream.QueueSize)

	c.Breaker.Failures = getEnvInt("ENDPOINT_BREAKER_FAILURES", c.Breaker.Failures)
	c.Breaker.OpenSec = getEnvInt("ENDPOINT_BREAKER_OPEN_SEC", c.Breaker.OpenSec)

	c.Alert.SlackWebhookURL = getEnv("ALERT_SLACK_WEBHOOK_URL", c.Alert.SlackWebhookURL)
	c.Alert.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Alert.WebhookURL)
	c.Alert.CooldownSec = getEnvInt("ALERT_COOLDOWN_SEC", c.Alert.CooldownSec)
	c.Alert.FailureThreshold = getEnvInt("ALERT_FAILURE_THRESHOLD", c.Alert.FailureThreshold)

	c.Tracing.Enabled = getEnvBool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.Insecure = getEnvBool("TRACING_INSECURE", c.Tracing.Insecure)
	c.Tracing.SampleRatio = getEnvFloat("TRACING_SAMPLE_RATIO", c.Tracing.SampleRatio)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	return nil
}

func (c *Config) validate() error {
	if len(c.Chain.RPCURLs) == 0 {
		return fmt.Errorf("RPC_URLS is required")
	}
	if len(c.Chain.PrivateKeys) != model.NumBoards {
		return fmt.Errorf("PRIVATE_KEYS must list %d keys, got %d", model.NumBoards, len(c.Chain.PrivateKeys))
	}
	for i, k := range c.Chain.PrivateKeys {
		if _, err := signer.FromHex(k); err != nil {
			// Never echo the key itself.
			return fmt.Errorf("PRIVATE_KEYS[%d] is not a valid secp256k1 key", i)
		}
	}
	if len(c.Chain.TokenIDs) != model.NumBoards {
		return fmt.Errorf("TOKEN_IDS must list %d ids, got %d", model.NumBoards, len(c.Chain.TokenIDs))
	}
	if c.Chain.ContractAddress == "" {
		return fmt.Errorf("CONTRACT_ADDRESS is required")
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("CONTRACT_ADDRESS %q is not a hex address", c.Chain.ContractAddress)
	}
	if _, err := contract.ParseKey(c.Chain.StoreKey); err != nil {
		return fmt.Errorf("STORE_KEY: %w", err)
	}
	if c.Chain.GasLimit == 0 {
		return fmt.Errorf("GAS_LIMIT must be positive")
	}
	if c.Chain.ChainID < 0 {
		return fmt.Errorf("CHAIN_ID must not be negative")
	}
	if err := c.FeePolicy().Validate(); err != nil {
		return fmt.Errorf("fee policy: %w", err)
	}
	if c.Publish.IntervalSec <= 0 {
		return fmt.Errorf("PUBLISH_INTERVAL_SEC must be positive")
	}
	if c.Publish.ConfirmTimeoutSec <= 0 || c.Publish.ProbeTimeoutSec <= 0 || c.Publish.RPCTimeoutSec <= 0 {
		return fmt.Errorf("publish timeouts must be positive")
	}
	if c.Publish.ReceiptPollMS <= 0 {
		return fmt.Errorf("RECEIPT_POLL_MS must be positive")
	}
	if c.Publish.RPCRateLimit < 0 {
		return fmt.Errorf("RPC_RATE_LIMIT must not be negative")
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range", c.Server.HTTPPort)
	}
	if c.Stream.Enabled && c.Stream.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when EVENT_STREAM_ENABLED is true")
	}
	if c.Stream.QueueSize <= 0 {
		return fmt.Errorf("EVENT_STREAM_QUEUE_SIZE must be positive")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("TRACING_ENDPOINT is required when TRACING_ENABLED is true")
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func (c *Config) FeePolicy() board.FeePolicy {
	return board.FeePolicy{Base: c.Fees.BaseWei, Step: c.Fees.StepWei, Max: c.Fees.MaxWei}
}

func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.Publish.IntervalSec) * time.Second
}

func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Publish.ConfirmTimeoutSec) * time.Second
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Publish.ProbeTimeoutSec) * time.Second
}

func (c *Config) ReceiptPollInterval() time.Duration {
	return time.Duration(c.Publish.ReceiptPollMS) * time.Millisecond
}

func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.Publish.RPCTimeoutSec) * time.Second
}

func (c *Config) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.Breaker.OpenSec) * time.Second
}

func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.Alert.CooldownSec) * time.Second
}

// ParseLogLevel maps debug|info|warn|error to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", level)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvUint64(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseUintList(v string) ([]uint64, error) {
	var out []uint64
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		n, err := strconv.ParseUint(item, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a non-negative integer", item)
		}
		out = append(out, n)
	}
	return out, nil
}
