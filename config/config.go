// Package config loads fleetcore's on-disk configuration document: defaults,
// an optional YAML file, then environment variable overrides, in that order.
// Sensitive fields (marzban.password, telegram.bot_token) are transparently
// decrypted on Load and re-encrypted on Save via infrastructure/secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nodeplane/fleetcore/infrastructure/secrets"
)

// MarzbanConfig describes how to reach the upstream admin panel.
type MarzbanConfig struct {
	BaseURL   string `yaml:"base_url" env:"MARZBAN_BASE_URL"`
	Username  string `yaml:"username" env:"MARZBAN_USERNAME"`
	Password  string `yaml:"password" env:"MARZBAN_PASSWORD"`
	Timeout   int    `yaml:"timeout" env:"MARZBAN_TIMEOUT"`
	VerifySSL bool   `yaml:"verify_ssl" env:"MARZBAN_VERIFY_SSL"`
}

// TelegramConfig describes the optional alert-notification channel.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	ChatID   string `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
}

// MonitoringConfig controls the monitoring engine's poll cadence.
type MonitoringConfig struct {
	HealthCheckInterval int `yaml:"health_check_interval" env:"MONITORING_HEALTH_CHECK_INTERVAL"`
}

// APIConfig controls retry behaviour for panel API calls.
type APIConfig struct {
	RetryAttempts int `yaml:"retry_attempts" env:"API_RETRY_ATTEMPTS"`
	RetryDelay    int `yaml:"retry_delay" env:"API_RETRY_DELAY"`
}

// Config is fleetcore's top-level configuration document, per spec §6's
// on-disk config file layout.
type Config struct {
	Debug      bool             `yaml:"debug" env:"DEBUG"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
	LogFile    string           `yaml:"log_file" env:"LOG_FILE"`
	Marzban    MarzbanConfig    `yaml:"marzban"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	API        APIConfig        `yaml:"api"`
}

// New returns a configuration populated with documented defaults.
func New() *Config {
	return &Config{
		LogLevel: "info",
		Marzban: MarzbanConfig{
			Timeout:   30,
			VerifySSL: true,
		},
		Monitoring: MonitoringConfig{
			HealthCheckInterval: 30,
		},
		API: APIConfig{
			RetryAttempts: 3,
			RetryDelay:    1,
		},
	}
}

// HealthCheckIntervalDuration returns the configured poll cadence as a Duration.
func (c Config) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(c.Monitoring.HealthCheckInterval) * time.Second
}

// MarzbanTimeout returns the configured panel HTTP timeout as a Duration.
func (c Config) MarzbanTimeout() time.Duration {
	return time.Duration(c.Marzban.Timeout) * time.Second
}

// SensitiveFields lists the dotted paths this package decrypts on Load and
// encrypts on Save, shared with infrastructure/secrets.
var SensitiveFields = secrets.SensitiveFields

// Load reads .env (if present), then path (if it exists), decrypting
// sensitive fields via the secrets store rooted at secretsDir, then overlays
// any matching environment variables. A missing config file is not an error:
// New()'s defaults stand in its place.
func Load(path, secretsDir string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	store, err := secrets.Open(secretsDir)
	if err != nil {
		return nil, fmt.Errorf("config: open secrets store: %w", err)
	}

	if err := loadFromFile(path, store, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, store *secrets.Store, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc == nil {
		return nil
	}
	if err := store.DecryptDocument(doc, SensitiveFields); err != nil {
		return fmt.Errorf("config: decrypt %s: %w", path, err)
	}

	decrypted, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: re-marshal %s: %w", path, err)
	}
	if err := yaml.Unmarshal(decrypted, cfg); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

// Save writes cfg to path as YAML, encrypting sensitive fields via the
// secrets store rooted at secretsDir first. The file is written mode 0600.
func Save(cfg *Config, path, secretsDir string) error {
	store, err := secrets.Open(secretsDir)
	if err != nil {
		return fmt.Errorf("config: open secrets store: %w", err)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: re-parse: %w", err)
	}
	if err := store.EncryptDocument(doc, SensitiveFields); err != nil {
		return fmt.Errorf("config: encrypt: %w", err)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshal encrypted document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// DefaultSecretsDir is the documented on-disk secrets directory.
func DefaultSecretsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".marzban_manager"
	}
	return filepath.Join(home, ".marzban_manager")
}

// DefaultConfigPath is the documented on-disk config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultSecretsDir(), "config.yaml")
}
