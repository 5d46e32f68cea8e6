// Package config loads the YAML configuration with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"alchemist/internal/council"
)

// Config holds all alchemist configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM        LLMConfig        `yaml:"llm"`
	Budgets    council.Budgets  `yaml:"budgets"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Cache      CacheConfig      `yaml:"cache"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LLMConfig configures the provider gateway.
type LLMConfig struct {
	Provider     string `yaml:"provider"` // openai, gemini
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	DeepModel    string `yaml:"deep_model"`
	UtilityModel string `yaml:"utility_model"`
}

// ResilienceConfig configures deadlines and retries around model calls.
type ResilienceConfig struct {
	Timeout string `yaml:"timeout"`
	Retries int    `yaml:"retries"`
	Backoff string `yaml:"backoff"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	TTL string `yaml:"ttl"`
}

// StorageConfig configures persistence paths.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	UsageDir     string `yaml:"usage_dir"`
}

// LoggingConfig configures logging output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "alchemist",
		Version: "1.0.0",

		LLM: LLMConfig{
			Provider:     "openai",
			Model:        "gpt-5-mini",
			DeepModel:    "gpt-5",
			UtilityModel: "gpt-5-nano",
		},

		Budgets: council.DefaultBudgets(),

		Resilience: ResilienceConfig{
			Timeout: "20s",
			Retries: 1,
			Backoff: "500ms",
		},

		Cache: CacheConfig{
			TTL: "5m",
		},

		Storage: StorageConfig{
			DatabasePath: "data/alchemist.db",
			UsageDir:     "data",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment variables override secrets either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.Provider == "openai" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.Provider == "gemini" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("ALCHEMIST_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if path := os.Getenv("ALCHEMIST_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
}

// Validate checks invariants a bad config file could break.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	b := c.Budgets
	if !(b.Utility < b.Reasoning && b.Reasoning < b.DeepThink) {
		return fmt.Errorf("budgets must satisfy utility < reasoning < deep_think, got %+v", b)
	}
	if c.Resilience.Retries < 0 {
		return fmt.Errorf("retries must be non-negative")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	return nil
}

// LLMTimeout returns the per-attempt model call timeout.
func (c *Config) LLMTimeout() time.Duration {
	return parseDuration(c.Resilience.Timeout, 20*time.Second)
}

// RetryBackoff returns the base retry backoff.
func (c *Config) RetryBackoff() time.Duration {
	return parseDuration(c.Resilience.Backoff, 500*time.Millisecond)
}

// CacheTTL returns the response cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return parseDuration(c.Cache.TTL, 5*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
