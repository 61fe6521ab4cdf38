package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TokenConfig описывает bearer-токен web-транспорта (хранится только sha256).
type TokenConfig struct {
	ID          string   `yaml:"id"`
	TokenSHA256 string   `yaml:"token_sha256"`
	Subject     string   `yaml:"subject"`
	Roles       []string `yaml:"roles"`
	Enabled     bool     `yaml:"enabled"`
}

// Config описывает параметры хоста плагина.
type Config struct {
	Agent struct {
		LogLevel  string `yaml:"log_level"`
		LogFormat string `yaml:"log_format"`
	} `yaml:"agent"`
	Plugin struct {
		Backend string         `yaml:"backend"`
		Params  map[string]any `yaml:"params"`
	} `yaml:"plugin"`
	DuckDB struct {
		Path string `yaml:"path"`
	} `yaml:"duckdb"`
	Security struct {
		AuthAllowlist map[string][]string `yaml:"auth_allowlist"`
	} `yaml:"security"`
	SQLite struct {
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"sqlite"`
	Scheduler struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"scheduler"`
	IPC struct {
		Enabled     bool `yaml:"enabled"`
		MaxInFlight int  `yaml:"max_in_flight"`
		RateLimit   int  `yaml:"rate_limit_per_second"`
	} `yaml:"ipc"`
	Web struct {
		Enabled          bool   `yaml:"enabled"`
		ListenAddr       string `yaml:"listen_addr"`
		ReadTimeoutMS    int    `yaml:"read_timeout_ms"`
		WriteTimeoutMS   int    `yaml:"write_timeout_ms"`
		RequestTimeoutMS int    `yaml:"request_timeout_ms"`
		ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
		MaxBodyBytes     int64  `yaml:"max_body_bytes"`
		Auth             struct {
			AllowLegacySubjectHeader bool          `yaml:"allow_legacy_subject_header"`
			Tokens                   []TokenConfig `yaml:"tokens"`
		} `yaml:"auth"`
		CORS struct {
			AllowedOrigins []string `yaml:"allowed_origins"`
			AllowedMethods []string `yaml:"allowed_methods"`
			AllowedHeaders []string `yaml:"allowed_headers"`
		} `yaml:"cors"`
	} `yaml:"web"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	var cfg Config
	cfg.Agent.LogLevel = "info"
	cfg.Agent.LogFormat = "json"
	cfg.DuckDB.Path = ":memory:"
	cfg.SQLite.Path = "duckplug-audit.db"
	cfg.SQLite.RetentionDays = 30
	cfg.Scheduler.IntervalSeconds = 60
	cfg.IPC.Enabled = true
	cfg.IPC.MaxInFlight = 16
	cfg.IPC.RateLimit = 0
	cfg.Web.Enabled = false
	cfg.Web.ListenAddr = "127.0.0.1:8080"
	cfg.Web.ReadTimeoutMS = 2000
	cfg.Web.WriteTimeoutMS = 5000
	cfg.Web.RequestTimeoutMS = 3000
	cfg.Web.ShutdownTimeoutS = 5
	cfg.Web.MaxBodyBytes = 1 << 20
	cfg.Security.AuthAllowlist = map[string][]string{"cli": {"*"}, "ipc": {"*"}, "web": {}}
	return cfg
}

// Load читает конфиг из файла YAML поверх значений по умолчанию.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- путь к конфигу задается доверенным оператором/CI.
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("config file is empty")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate проверяет значения, которые нельзя исправить молча.
func Validate(cfg Config) error {
	switch cfg.Agent.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("agent.log_format: unsupported value %q", cfg.Agent.LogFormat)
	}
	if cfg.Scheduler.IntervalSeconds < 0 {
		return fmt.Errorf("scheduler.interval_seconds must not be negative")
	}
	if cfg.IPC.MaxInFlight < 0 {
		return fmt.Errorf("ipc.max_in_flight must not be negative")
	}
	if cfg.SQLite.RetentionDays < 0 {
		return fmt.Errorf("sqlite.retention_days must not be negative")
	}
	return nil
}
