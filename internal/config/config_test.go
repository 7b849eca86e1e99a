package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
version: 1
kv:
  backend: memory
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadRejectsMissingVersion(t *testing.T) {
	path := writeConfig(t, `
kv:
  backend: memory
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected a version validation error")
	}
	if !strings.Contains(err.Error(), "version") {
		t.Fatalf("expected a version error, got %v", err)
	}
}

func TestLoadValidatesKVBackend(t *testing.T) {
	path := writeConfig(t, `
version: 1
kv:
  backend: sqlite
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "kv.backend") {
		t.Fatalf("expected kv.backend error, got %v", err)
	}
}

func TestLoadRequiresRedisAddrWhenSelected(t *testing.T) {
	path := writeConfig(t, `
version: 1
kv:
  backend: redis
  redis:
    addr: ""
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "kv.redis.addr") {
		t.Fatalf("expected kv.redis.addr error, got %v", err)
	}
}

func TestLoadValidatesDefaultProviderHasEntry(t *testing.T) {
	path := writeConfig(t, `
version: 1
llm:
  default_provider: openai
  providers:
    anthropic: {}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "llm.default_provider") {
		t.Fatalf("expected llm.default_provider error, got %v", err)
	}
}

func TestLoadValidatesRetrySchedule(t *testing.T) {
	path := writeConfig(t, `
version: 1
llm:
  retry_schedule: aggressive
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "retry_schedule") {
		t.Fatalf("expected retry_schedule error, got %v", err)
	}
}

func TestLoadValidatesLogFormat(t *testing.T) {
	path := writeConfig(t, `
version: 1
logging:
  format: xml
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "logging.format") {
		t.Fatalf("expected logging.format error, got %v", err)
	}
}

func TestLoadValidConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
version: 1
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: sk-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.KV.Backend != "memory" {
		t.Fatalf("expected memory backend default, got %q", cfg.KV.Backend)
	}
	if cfg.LLM.RetrySchedule != "dev" {
		t.Fatalf("expected dev retry schedule default, got %q", cfg.LLM.RetrySchedule)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("expected default logging level/format, got %+v", cfg.Logging)
	}
}

func TestLoadEnvOverridesTakePrecedence(t *testing.T) {
	path := writeConfig(t, `
version: 1
kv:
  backend: memory
logging:
  level: info
`)

	t.Setenv("WSAGENT_KV_BACKEND", "redis")
	t.Setenv("WSAGENT_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("WSAGENT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.KV.Backend != "redis" {
		t.Fatalf("expected env override to select redis, got %q", cfg.KV.Backend)
	}
	if cfg.KV.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("expected env override for redis addr, got %q", cfg.KV.Redis.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env override for log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadIncludeMerge(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(basePath, []byte("logging:\n  level: warn\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	mainPath := filepath.Join(dir, "main.yaml")
	contents := "$include: base.yaml\nversion: 1\nkv:\n  backend: memory\n"
	if err := os.WriteFile(mainPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected included logging.level to survive the merge, got %q", cfg.Logging.Level)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "wsagentd.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
