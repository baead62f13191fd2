// Xraycp is a control plane for XRAY (VLESS+REALITY) relays.
// Copyright (C) 2026 Xraycp Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config holds runtime configuration shared by the API and
// worker binaries. Values come from environment variables with flag
// overrides; flags take precedence.
package config

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the control plane binaries.
type Config struct {
	HTTPAddr       string        // XRAYCP_HTTP_ADDR
	MetricsAddr    string        // WORKER_METRICS_ADDR
	DBPath         string        // DB_PATH
	RedisURL       string        // REDIS_URL
	MasterKey      string        // MASTER_KEY (do not log value)
	TokenSalt      string        // TOKEN_SALT (do not log value)
	InstallLogDir  string        // INSTALL_LOG_DIR
	StoreMode      string        // XRAY_STORE_MODE: file|grpc
	DryRun         bool          // PROVISION_DRY_RUN
	ConnectTimeout time.Duration // SSH_CONNECT_TIMEOUT
	CommandTimeout time.Duration // SSH_COMMAND_TIMEOUT
	PollInterval   time.Duration // WORKER_POLL_INTERVAL
	LogLevel       string        // LOG_LEVEL: debug|info|warn|error
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:       ":8080",
		MetricsAddr:    ":9090",
		DBPath:         "./xraycp.db",
		RedisURL:       "redis://localhost:6379/0",
		MasterKey:      "",
		TokenSalt:      "",
		InstallLogDir:  "./var/install-logs",
		StoreMode:      "file",
		DryRun:         false,
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 60 * time.Second,
		PollInterval:   time.Second,
		LogLevel:       "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Parse builds the Config from env + flags. Flags override env.
func Parse() Config {
	def := defaultConfig()

	cfg := Config{
		HTTPAddr:       getenv("XRAYCP_HTTP_ADDR", def.HTTPAddr),
		MetricsAddr:    getenv("WORKER_METRICS_ADDR", def.MetricsAddr),
		DBPath:         getenv("DB_PATH", def.DBPath),
		RedisURL:       getenv("REDIS_URL", def.RedisURL),
		MasterKey:      getenv("MASTER_KEY", def.MasterKey),
		TokenSalt:      getenv("TOKEN_SALT", def.TokenSalt),
		InstallLogDir:  getenv("INSTALL_LOG_DIR", def.InstallLogDir),
		StoreMode:      getenv("XRAY_STORE_MODE", def.StoreMode),
		DryRun:         getenvBool("PROVISION_DRY_RUN", def.DryRun),
		ConnectTimeout: getenvDuration("SSH_CONNECT_TIMEOUT", def.ConnectTimeout),
		CommandTimeout: getenvDuration("SSH_COMMAND_TIMEOUT", def.CommandTimeout),
		PollInterval:   getenvDuration("WORKER_POLL_INTERVAL", def.PollInterval),
		LogLevel:       getenv("LOG_LEVEL", def.LogLevel),
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env XRAYCP_HTTP_ADDR)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Worker metrics listen address (env WORKER_METRICS_ADDR)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env DB_PATH)")
	flag.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for host locks (env REDIS_URL)")
	flag.StringVar(&cfg.MasterKey, "master-key", cfg.MasterKey, "Secret encryption master key (env MASTER_KEY)")
	flag.StringVar(&cfg.TokenSalt, "token-salt", cfg.TokenSalt, "Share-token hash salt (env TOKEN_SALT)")
	flag.StringVar(&cfg.InstallLogDir, "install-log-dir", cfg.InstallLogDir, "Per-host install log directory (env INSTALL_LOG_DIR)")
	flag.StringVar(&cfg.StoreMode, "xray-store-mode", cfg.StoreMode, "Client store mode: file|grpc (env XRAY_STORE_MODE)")
	flag.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "Run workflows without SSH (env PROVISION_DRY_RUN)")
	flag.DurationVar(&cfg.ConnectTimeout, "ssh-connect-timeout", cfg.ConnectTimeout, "SSH connect timeout (env SSH_CONNECT_TIMEOUT)")
	flag.DurationVar(&cfg.CommandTimeout, "ssh-command-timeout", cfg.CommandTimeout, "SSH command timeout (env SSH_COMMAND_TIMEOUT)")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Worker poll interval (env WORKER_POLL_INTERVAL)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error (env LOG_LEVEL)")

	flag.Parse()
	return cfg
}

func redactedSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// Log reports the effective configuration without secret values.
func (c Config) Log(component string) {
	slog.Info(component+" configuration",
		"addr", c.HTTPAddr,
		"metrics_addr", c.MetricsAddr,
		"db", c.DBPath,
		"redis_url", c.RedisURL,
		"master_key", redactedSecret(c.MasterKey),
		"token_salt", redactedSecret(c.TokenSalt),
		"install_log_dir", c.InstallLogDir,
		"xray_store_mode", c.StoreMode,
		"dry_run", c.DryRun,
		"ssh_connect_timeout", c.ConnectTimeout,
		"ssh_command_timeout", c.CommandTimeout,
		"poll_interval", c.PollInterval,
		"log_level", c.LogLevel,
	)
}
