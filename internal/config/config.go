package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all skillforge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Code-generation service
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Durable store
	Store StoreConfig `yaml:"store"`

	// Verification sandbox
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Result cache
	Cache CacheConfig `yaml:"cache"`

	// Auto-tuner
	Tuner TunerConfig `yaml:"tuner"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the code-generation service client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, heuristic
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // gemini, local
	Model    string `yaml:"model"`
	TaskType string `yaml:"task_type"`
}

// StoreConfig configures the SQLite store and capability sources.
type StoreConfig struct {
	DatabasePath    string `yaml:"database_path"`
	CapabilitiesDir string `yaml:"capabilities_dir"`
}

// SandboxConfig configures the verification sandbox.
type SandboxConfig struct {
	VerifyTimeout  string `yaml:"verify_timeout"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	Backend   string `yaml:"backend"` // sqlite, redis
	RedisAddr string `yaml:"redis_addr"`
	TTL       string `yaml:"ttl"`
}

// TunerConfig configures the auto-tuner.
type TunerConfig struct {
	LookbackDays int `yaml:"lookback_days"`
	Trials       int `yaml:"trials"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "skillforge",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  "120s",
		},

		Embedding: EmbeddingConfig{
			Provider: "gemini",
			Model:    "text-embedding-004",
			TaskType: "SEMANTIC_SIMILARITY",
		},

		Store: StoreConfig{
			DatabasePath:    "data/skillforge.db",
			CapabilitiesDir: "capabilities",
		},

		Sandbox: SandboxConfig{
			VerifyTimeout:  "30s",
			MaxOutputBytes: 64 * 1024,
		},

		Cache: CacheConfig{
			Backend: "sqlite",
			TTL:     "1h",
		},

		Tuner: TunerConfig{
			LookbackDays: 7,
			Trials:       10,
		},

		Logging: LoggingConfig{
			Level: "info",
			File:  "skillforge.log",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults
// if the file does not exist.
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

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	}
	if path := os.Getenv("SKILLFORGE_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if dir := os.Getenv("SKILLFORGE_CAPS_DIR"); dir != "" {
		c.Store.CapabilitiesDir = dir
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Cache.RedisAddr = addr
		c.Cache.Backend = "redis"
	}
}

// GetLLMTimeout returns the code-generation timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetVerifyTimeout returns the sandbox verification timeout as a duration.
func (c *Config) GetVerifyTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sandbox.VerifyTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetCacheTTL returns the result-cache TTL as a duration.
func (c *Config) GetCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Cache.TTL)
	if err != nil {
		return time.Hour
	}
	return d
}

// ValidProviders lists the supported code-generation providers.
var ValidProviders = []string{"gemini", "heuristic"}

// Validate validates the configuration. The heuristic provider needs no
// credentials, so a missing API key is only fatal for remote providers.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	if c.LLM.Provider == "gemini" && c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY)")
	}

	return nil
}
