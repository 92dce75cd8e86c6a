package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	cfg := New()
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Marzban.Timeout != 30 || !cfg.Marzban.VerifySSL {
		t.Errorf("Marzban defaults = %+v", cfg.Marzban)
	}
	if cfg.API.RetryAttempts != 3 {
		t.Errorf("API.RetryAttempts = %d, want 3", cfg.API.RetryAttempts)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "secrets"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default info", cfg.LogLevel)
	}
}

func TestLoad_DecryptsSensitiveFieldsRoundTrippedFromSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	secretsDir := filepath.Join(dir, "secrets")

	cfg := New()
	cfg.Marzban.BaseURL = "https://panel.example.com"
	cfg.Marzban.Password = "hunter2"
	cfg.Telegram.BotToken = "bot-secret-token"

	if err := Save(cfg, path, secretsDir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(raw), "encrypted:") {
		t.Fatalf("expected the stored document to contain an encrypted marker, got:\n%s", raw)
	}
	if strings.Contains(string(raw), "hunter2") || strings.Contains(string(raw), "bot-secret-token") {
		t.Fatalf("expected sensitive values to be encrypted at rest, got:\n%s", raw)
	}

	loaded, err := Load(path, secretsDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Marzban.Password != "hunter2" {
		t.Errorf("Marzban.Password = %q, want round-tripped plaintext", loaded.Marzban.Password)
	}
	if loaded.Telegram.BotToken != "bot-secret-token" {
		t.Errorf("Telegram.BotToken = %q, want round-tripped plaintext", loaded.Telegram.BotToken)
	}
	if loaded.Marzban.BaseURL != "https://panel.example.com" {
		t.Errorf("Marzban.BaseURL = %q, not round-tripped", loaded.Marzban.BaseURL)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	secretsDir := filepath.Join(dir, "secrets")

	cfg := New()
	cfg.Marzban.BaseURL = "https://file.example.com"
	if err := Save(cfg, path, secretsDir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	t.Setenv("MARZBAN_BASE_URL", "https://env.example.com")

	loaded, err := Load(path, secretsDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Marzban.BaseURL != "https://env.example.com" {
		t.Errorf("Marzban.BaseURL = %q, want env override to win", loaded.Marzban.BaseURL)
	}
}

func TestHealthCheckIntervalDuration(t *testing.T) {
	cfg := New()
	cfg.Monitoring.HealthCheckInterval = 45
	if got, want := cfg.HealthCheckIntervalDuration().Seconds(), 45.0; got != want {
		t.Errorf("HealthCheckIntervalDuration() = %v, want %v seconds", got, want)
	}
}
