// Package config handles configuration loading for OpenValue.
// It supports YAML config files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"       yaml:"llm" json:"llm"`
	Engines   EnginesConfig   `mapstructure:"engines"   yaml:"engines" json:"engines"`
	Valuation ValuationConfig `mapstructure:"valuation" yaml:"valuation" json:"valuation"`
	Cache     CacheConfig     `mapstructure:"cache"     yaml:"cache" json:"cache"`
	API       APIConfig       `mapstructure:"api"       yaml:"api" json:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging" json:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"   yaml:"tracing" json:"tracing"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Primary        string  `mapstructure:"primary"         yaml:"primary" json:"primary"` // "openai", "anthropic", "gemini", "" disables AI features
	OpenAIKey      string  `mapstructure:"openai_key"      yaml:"openai_key" json:"-"`
	OpenAIBaseURL  string  `mapstructure:"openai_base_url" yaml:"openai_base_url" json:"openai_base_url"`
	AnthropicKey   string  `mapstructure:"anthropic_key"   yaml:"anthropic_key" json:"-"`
	GeminiKey      string  `mapstructure:"gemini_key"      yaml:"gemini_key" json:"-"`
	Model          string  `mapstructure:"model"           yaml:"model" json:"model"`
	FallbackModel  string  `mapstructure:"fallback_model"  yaml:"fallback_model" json:"fallback_model"`
	Temperature    float64 `mapstructure:"temperature"     yaml:"temperature" json:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"      yaml:"max_tokens" json:"max_tokens"`
	MaxRetries     int     `mapstructure:"max_retries"     yaml:"max_retries" json:"max_retries"`
}

// EnginesConfig locates the fundamentals service and the model engines.
type EnginesConfig struct {
	FundamentalsURL  string  `mapstructure:"fundamentals_url"   yaml:"fundamentals_url" json:"fundamentals_url"`
	ThreeStageURL    string  `mapstructure:"three_stage_url"    yaml:"three_stage_url" json:"three_stage_url"`
	SOTPURL          string  `mapstructure:"sotp_url"           yaml:"sotp_url" json:"sotp_url"`
	HModelURL        string  `mapstructure:"hmodel_url"         yaml:"hmodel_url" json:"hmodel_url"`
	FundamentalsSec  int     `mapstructure:"fundamentals_timeout_sec" yaml:"fundamentals_timeout_sec" json:"fundamentals_timeout_sec"`
	ModelTimeoutSec  int     `mapstructure:"model_timeout_sec"  yaml:"model_timeout_sec" json:"model_timeout_sec"`
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps"     yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"   yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// ValuationConfig holds consensus engine settings.
type ValuationConfig struct {
	CacheTTL           int        `mapstructure:"cache_ttl"            yaml:"cache_ttl" json:"cache_ttl"` // seconds
	DefaultPreference  string     `mapstructure:"default_preference"   yaml:"default_preference" json:"default_preference"`
	Explain            bool       `mapstructure:"explain"              yaml:"explain" json:"explain"`
	SelectorTimeoutSec int        `mapstructure:"selector_timeout_sec" yaml:"selector_timeout_sec" json:"selector_timeout_sec"`
	NarratorTimeoutSec int        `mapstructure:"narrator_timeout_sec" yaml:"narrator_timeout_sec" json:"narrator_timeout_sec"`
	Caps               CapsConfig `mapstructure:"caps"                 yaml:"caps" json:"caps"`
}

// CapsConfig bounds individual model prices relative to the current price.
type CapsConfig struct {
	Enabled         bool               `mapstructure:"enabled"          yaml:"enabled" json:"enabled"`
	GeneralMultiple float64            `mapstructure:"general_multiple" yaml:"general_multiple" json:"general_multiple"`
	SectorMultiples map[string]float64 `mapstructure:"sector_multiples" yaml:"sector_multiples" json:"sector_multiples"`
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	Backend    string `mapstructure:"backend"     yaml:"backend" json:"backend"` // "memory" or "badger"
	BadgerPath string `mapstructure:"badger_path" yaml:"badger_path" json:"badger_path"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	Host        string   `mapstructure:"host"         yaml:"host" json:"host"`
	Port        int      `mapstructure:"port"         yaml:"port" json:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins" json:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level" json:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format" json:"format"` // "console" or "json"
}

// TracingConfig toggles OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"      yaml:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
}

// CacheTTLDuration returns the result cache TTL.
func (c ValuationConfig) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.openvalue/config.yaml (home directory)
//  3. /etc/openvalue/config.yaml (system)
//
// Environment variables override config file values.
// Format: OPENVALUE_<SECTION>_<KEY>, e.g., OPENVALUE_LLM_OPENAI_KEY
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".openvalue"))
	v.AddConfigPath("/etc/openvalue")

	v.SetEnvPrefix("OPENVALUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional; defaults + env vars still apply.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)

	return &cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("OPENVALUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)
	return &cfg, nil
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	// LLM defaults
	v.SetDefault("llm.primary", "openai")
	v.SetDefault("llm.openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.max_retries", 2)

	// Engine defaults (local docker-compose ports of the valuation services)
	v.SetDefault("engines.fundamentals_url", "http://localhost:8010")
	v.SetDefault("engines.three_stage_url", "http://localhost:8011")
	v.SetDefault("engines.sotp_url", "http://localhost:8011")
	v.SetDefault("engines.hmodel_url", "http://localhost:8011")
	v.SetDefault("engines.fundamentals_timeout_sec", 15)
	v.SetDefault("engines.model_timeout_sec", 30)
	v.SetDefault("engines.rate_limit_rps", 10.0)
	v.SetDefault("engines.rate_limit_burst", 5)

	// Valuation defaults
	v.SetDefault("valuation.cache_ttl", 3600) // 1 hour
	v.SetDefault("valuation.default_preference", "auto")
	v.SetDefault("valuation.explain", true)
	v.SetDefault("valuation.selector_timeout_sec", 20)
	v.SetDefault("valuation.narrator_timeout_sec", 20)
	v.SetDefault("valuation.caps.enabled", true)
	v.SetDefault("valuation.caps.general_multiple", 3.0)
	v.SetDefault("valuation.caps.sector_multiples", map[string]float64{"healthcare": 2.0})

	// Cache defaults
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.badger_path", filepath.Join(homeDir(), ".openvalue", "cache"))

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "openvalue")
}

// overrideFromEnv explicitly reads sensitive keys from environment variables.
func overrideFromEnv(cfg *Config) {
	if key := os.Getenv("OPENVALUE_LLM_OPENAI_KEY"); key != "" {
		cfg.LLM.OpenAIKey = key
	}
	if key := os.Getenv("OPENVALUE_LLM_ANTHROPIC_KEY"); key != "" {
		cfg.LLM.AnthropicKey = key
	}
	if key := os.Getenv("OPENVALUE_LLM_GEMINI_KEY"); key != "" {
		cfg.LLM.GeminiKey = key
	}
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
