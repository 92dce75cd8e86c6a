// Command fleetcored is the fleetcore control-plane binary: a long-running
// server (serve), a one-shot network scan (discover), and bulk node
// operations driven from a JSON file (bulk).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodeplane/fleetcore/cache"
	"github.com/nodeplane/fleetcore/config"
	"github.com/nodeplane/fleetcore/connpool"
	"github.com/nodeplane/fleetcore/httpcore"
	"github.com/nodeplane/fleetcore/infrastructure/logging"
	"github.com/nodeplane/fleetcore/panel"
	"github.com/nodeplane/fleetcore/queue"
	"github.com/nodeplane/fleetcore/tokenstore"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fleetcored",
	Short:   "fleetcored manages a fleet of proxy nodes behind an upstream admin panel",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to the config file (defaults to ~/.marzban_manager/config.yaml)")
	rootCmd.PersistentFlags().String("secrets-dir", "", "path to the secrets directory (defaults to ~/.marzban_manager)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(bulkCmd)
}

// resolveSecretsDir reads --secrets-dir, falling back to the documented
// default.
func resolveSecretsDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("secrets-dir")
	if dir == "" {
		return config.DefaultSecretsDir()
	}
	return dir
}

// loadConfig reads --config/--secrets-dir (falling back to the documented
// defaults) into a typed Config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path, resolveSecretsDir(cmd))
}

// newLogger builds the service logger from the config's debug/log_level/
// log_file fields.
func newLogger(service string, cfg *config.Config) (*logging.Logger, error) {
	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger := logging.New(service, level, "json")
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(f)
	}
	return logger, nil
}

// newPanelClient builds the panel API client from cfg, retrying per cfg's
// api.retry_attempts/retry_delay.
func newPanelClient(cfg *config.Config, logger *logging.Logger) *panel.Client {
	tokens := tokenstore.New(logger)
	httpCfg := httpcore.Config{
		Service: "panel",
		BaseURL: cfg.Marzban.BaseURL,
		Logger:  logger,
		Pool:    connpool.Config{VerifyTLS: cfg.Marzban.VerifySSL},
		Retry:   httpcore.DefaultRetryConfig(),
		Breaker: httpcore.DefaultBreakerConfig(logger),
	}
	httpCfg.Retry.MaxAttempts = cfg.API.RetryAttempts
	if cfg.API.RetryDelay > 0 {
		httpCfg.Retry.InitialDelay = time.Duration(cfg.API.RetryDelay) * time.Second
	}
	creds := panel.Credentials{Username: cfg.Marzban.Username, Password: cfg.Marzban.Password}
	return panel.NewClient(httpCfg, creds, tokens)
}

// dataDir is the cache/ directory inside the secrets directory, where
// cache.db/offline.db live.
func dataDir(secretsDir string) string {
	return filepath.Join(secretsDir, "cache")
}

func newCacheStore(secretsDir string, logger *logging.Logger) (*cache.Store, error) {
	dir := dataDir(secretsDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	cfg := cache.DefaultConfig(filepath.Join(dir, "cache.db"))
	cfg.Logger = logger
	return cache.New(cfg)
}

func newQueue(secretsDir string, logger *logging.Logger) (*queue.Queue, error) {
	dir := dataDir(secretsDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	cfg := queue.DefaultConfig(filepath.Join(dir, "offline.db"))
	cfg.Logger = logger
	return queue.New(cfg)
}
