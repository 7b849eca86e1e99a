// Package config loads wsagentd's settings: which KV backend to run
// against, how LLM completions retry, and how the process logs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is wsagentd's top-level configuration.
type Config struct {
	Version int `yaml:"version"`

	KV      KVConfig      `yaml:"kv"`
	LLM     LLMConfig     `yaml:"llm"`
	Logging LoggingConfig `yaml:"logging"`
}

// KVConfig selects and configures the KV backend (C1) the rest of the
// process is built on.
type KVConfig struct {
	// Backend is "memory" or "redis". Default: "memory".
	Backend string `yaml:"backend"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures internal/kv/redisstore when KV.Backend is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LLMConfig configures the model providers a chatbot.Orchestrator is wired
// to and the retry schedule completions run under.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// RetrySchedule picks which of the two fixed internal/llm.RetrySchedule
	// values completions retry on: "dev" (short, fails fast for local
	// iteration) or "prod" (longer, rides out transient provider outages).
	// Default: "dev".
	RetrySchedule string `yaml:"retry_schedule"`
}

// LLMProviderConfig holds one provider dialect's credentials.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// LoggingConfig configures internal/observability.Logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error". Default: "info".
	Level string `yaml:"level"`

	// Format is "json" or "text". Default: "json".
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`
}

// ConfigValidationError collects every problem found while validating a
// Config, so a misconfigured deployment reports all of its mistakes in one
// pass instead of one restart-and-retry cycle at a time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ""
	}
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Issues, "; "))
}

// Load reads path (resolving $include directives via LoadRaw), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	applyKVDefaults(&cfg.KV)
	applyLLMDefaults(&cfg.LLM)
	applyLoggingDefaults(&cfg.Logging)
}

func applyKVDefaults(cfg *KVConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.RetrySchedule == "" {
		cfg.RetrySchedule = "dev"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

// applyEnvOverrides lets a handful of env vars override the file for the
// settings that most commonly differ between a developer's laptop and a
// deployed replica, without needing a config file edit for either.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WSAGENT_KV_BACKEND"); v != "" {
		cfg.KV.Backend = v
	}
	if v := os.Getenv("WSAGENT_REDIS_ADDR"); v != "" {
		cfg.KV.Redis.Addr = v
	}
	if v := os.Getenv("WSAGENT_REDIS_PASSWORD"); v != "" {
		cfg.KV.Redis.Password = v
	}
	if v := os.Getenv("WSAGENT_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("WSAGENT_LLM_RETRY_SCHEDULE"); v != "" {
		cfg.LLM.RetrySchedule = v
	}
	if v := os.Getenv("WSAGENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WSAGENT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	for name, provider := range cfg.LLM.Providers {
		envKey := "WSAGENT_LLM_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			provider.APIKey = v
			cfg.LLM.Providers[name] = provider
		}
	}
}

func validateConfig(cfg *Config) error {
	var issues []string

	if err := ValidateVersion(cfg.Version); err != nil {
		issues = append(issues, err.Error())
	}

	if !validKVBackend(cfg.KV.Backend) {
		issues = append(issues, fmt.Sprintf("kv.backend: unsupported value %q (want \"memory\" or \"redis\")", cfg.KV.Backend))
	}
	if cfg.KV.Backend == "redis" && strings.TrimSpace(cfg.KV.Redis.Addr) == "" {
		issues = append(issues, "kv.redis.addr is required when kv.backend is \"redis\"")
	}

	if !validRetrySchedule(cfg.LLM.RetrySchedule) {
		issues = append(issues, fmt.Sprintf("llm.retry_schedule: unsupported value %q (want \"dev\" or \"prod\")", cfg.LLM.RetrySchedule))
	}
	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.default_provider: %q has no matching entry under llm.providers", cfg.LLM.DefaultProvider))
		}
	}

	if !validLogLevel(cfg.Logging.Level) {
		issues = append(issues, fmt.Sprintf("logging.level: unsupported value %q", cfg.Logging.Level))
	}
	if !validLogFormat(cfg.Logging.Format) {
		issues = append(issues, fmt.Sprintf("logging.format: unsupported value %q (want \"json\" or \"text\")", cfg.Logging.Format))
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func validKVBackend(backend string) bool {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "memory", "redis":
		return true
	default:
		return false
	}
}

func validRetrySchedule(schedule string) bool {
	switch strings.ToLower(strings.TrimSpace(schedule)) {
	case "dev", "prod":
		return true
	default:
		return false
	}
}

func validLogLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func validLogFormat(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json", "text":
		return true
	default:
		return false
	}
}
