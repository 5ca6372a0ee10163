// Package config loads the daemon configuration: a JSON file with defaults
// written on first use, secrets from a .env file in the data directory and
// environment overrides on top.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/tedboudros/ClawQuant/internal/state"
)

// Environment variables read by Load. Real environment values win over the
// .env file.
const (
	EnvHome          = "CLAWQUANT_HOME"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
	EnvBraveKey      = "BRAVE_API_KEY"
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
)

type Config struct {
	DataDir        string   `json:"data_dir"`
	LogLevel       string   `json:"log_level"`
	MaxConcurrent  int      `json:"max_concurrent"`
	MaxToolRounds  int      `json:"max_tool_rounds"`
	PollInterval   string   `json:"poll_interval"`
	HandlerTimeout string   `json:"handler_timeout"`
	ConfirmPolicy  string   `json:"confirm_policy"`
	InitialCash    string   `json:"initial_cash"`
	Models         []string `json:"models"`
	MarketData     string   `json:"market_data"`
	LLM            struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`
	Brave struct {
		APIKey    string `json:"api_key"`
		PerMinute int    `json:"per_minute"`
	} `json:"brave"`
	Telegram struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
}

// Home returns the data directory used when no config says otherwise.
func Home() string {
	if h := os.Getenv(EnvHome); h != "" {
		return h
	}
	return filepath.Join(os.Getenv("HOME"), ".clawquant")
}

// DefaultPath returns the config file location inside Home.
func DefaultPath() string {
	return filepath.Join(Home(), "config.json")
}

// Default returns the configuration written on first load.
func Default() *Config {
	cfg := &Config{
		DataDir:        Home(),
		LogLevel:       "info",
		MaxConcurrent:  4,
		MaxToolRounds:  8,
		PollInterval:   "1s",
		HandlerTimeout: "5m",
		ConfirmPolicy:  "none",
		InitialCash:    "100000",
		MarketData:     "marketdata.db",
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Brave.PerMinute = 30
	cfg.HTTP.Listen = "127.0.0.1:8080"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if home := os.Getenv(EnvHome); home != "" {
		cfg.DataDir = home
	}

	secrets, err := godotenv.Read(filepath.Join(cfg.DataDir, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return secrets[key]
	}

	// Override from env (highest precedence)
	if v := lookup(EnvOpenAIKey); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := lookup(EnvOpenAIBaseURL); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := lookup(EnvBraveKey); v != "" {
		cfg.Brave.APIKey = v
	}
	if v := lookup(EnvTelegramToken); v != "" {
		cfg.Telegram.Token = v
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return state.WriteFileAtomic(path, append(data, '\n'))
}

// WriteSecrets stores secrets in <dataDir>/.env, merged with any already
// there.
func WriteSecrets(dataDir string, secrets map[string]string) error {
	path := filepath.Join(dataDir, ".env")
	existing, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read .env: %w", err)
	}
	if existing == nil {
		existing = make(map[string]string)
	}
	for k, v := range secrets {
		if v == "" {
			continue
		}
		existing[k] = v
	}
	content, err := godotenv.Marshal(existing)
	if err != nil {
		return fmt.Errorf("marshal .env: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return os.WriteFile(path, []byte(content+"\n"), 0o600)
}

// RulesPath returns the risk rules file.
func (c *Config) RulesPath() string {
	return filepath.Join(c.DataDir, "risk_rules.yaml")
}

// MarketDataPath returns the market data database, resolved against the
// data directory when relative.
func (c *Config) MarketDataPath() string {
	if c.MarketData == "" || filepath.IsAbs(c.MarketData) {
		return c.MarketData
	}
	return filepath.Join(c.DataDir, c.MarketData)
}

// ModelNames returns the models that run live, defaulting to the LLM model.
func (c *Config) ModelNames() []string {
	if len(c.Models) > 0 {
		return c.Models
	}
	return []string{c.LLM.Model}
}

// Cash parses InitialCash.
func (c *Config) Cash() (decimal.Decimal, error) {
	cash, err := decimal.NewFromString(c.InitialCash)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("initial_cash %q: %w", c.InitialCash, err)
	}
	if !cash.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("initial_cash must be positive, got %s", cash)
	}
	return cash, nil
}

// Poll parses PollInterval.
func (c *Config) Poll() (time.Duration, error) {
	return parseDuration("poll_interval", c.PollInterval)
}

// Timeout parses HandlerTimeout. An empty value means no limit.
func (c *Config) Timeout() (time.Duration, error) {
	return parseDuration("handler_timeout", c.HandlerTimeout)
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// ToMap converts cfg into the generic form written to disk.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens cfg into dot-separated keys, masking secrets when
// mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw returns the file's contents as a flat map, keeping keys the
// Config struct does not know.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return Flatten(m), nil
}

// GetValue returns the value stored under key in the config file at path,
// creating the file with defaults when missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	flat, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores raw under key in the existing config file at path. raw
// is decoded as JSON when it parses and fits the field, otherwise stored as a
// string. The result must still load as a Config.
func SetValue(path, key, raw string) error {
	flat, err := readRaw(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	data, err := encodeWith(flat, key, v)
	if err != nil {
		if _, isString := v.(string); isString {
			return err
		}
		// "initial_cash 2500" parses as a number but the field is a string.
		if data, err = encodeWith(flat, key, raw); err != nil {
			return err
		}
	}
	return state.WriteFileAtomic(path, append(data, '\n'))
}

// encodeWith returns the config document with key set to v, failing when
// the result no longer loads as a Config.
func encodeWith(flat map[string]any, key string, v any) ([]byte, error) {
	flat[key] = v
	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var check Config
	if err := json.Unmarshal(data, &check); err != nil {
		return nil, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return data, nil
}
