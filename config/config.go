// Package config loads the decision engine's settings: a YAML file,
// then environment overrides, then defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	LLM struct {
		BaseURL     string        `yaml:"base_url"`
		APIKey      string        `yaml:"api_key"`
		Model       string        `yaml:"model"`
		Timeout     time.Duration `yaml:"timeout"`
		MaxAttempts int           `yaml:"max_attempts"`
		// TurnTimeout bounds one whole completion, retries included.
		TurnTimeout time.Duration `yaml:"turn_timeout"`
	} `yaml:"llm"`
	Guard struct {
		ConfirmationTTL time.Duration `yaml:"confirmation_ttl"`
		SweepCron       string        `yaml:"sweep_cron"`
	} `yaml:"guard"`
	Intent struct {
		TablePath string `yaml:"table_path"`
	} `yaml:"intent"`
	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// Environment variable overrides
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("LLM_TIMEOUT: %w", err)
		}
		cfg.LLM.Timeout = d
	}
	if v := os.Getenv("LLM_TURN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("LLM_TURN_TIMEOUT: %w", err)
		}
		cfg.LLM.TurnTimeout = d
	}
	if v := os.Getenv("LLM_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("LLM_MAX_ATTEMPTS: %w", err)
		}
		cfg.LLM.MaxAttempts = n
	}
	if v := os.Getenv("CONFIRMATION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("CONFIRMATION_TTL: %w", err)
		}
		cfg.Guard.ConfirmationTTL = d
	}
	if v := os.Getenv("INTENT_TABLE"); v != "" {
		cfg.Intent.TablePath = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// Defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/lifeos.db"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "openai/gpt-4o-mini"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 30 * time.Second
	}
	if cfg.LLM.MaxAttempts == 0 {
		cfg.LLM.MaxAttempts = 3
	}
	if cfg.LLM.TurnTimeout == 0 {
		cfg.LLM.TurnTimeout = 2 * time.Minute
	}
	if cfg.Guard.ConfirmationTTL == 0 {
		cfg.Guard.ConfirmationTTL = 10 * time.Minute
	}
	if cfg.Guard.SweepCron == "" {
		cfg.Guard.SweepCron = "0 */1 * * * *"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "lifeos.ledger"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return cfg, nil
}

// Validate checks that all fields hold usable values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.SQLitePath == "" {
		return fmt.Errorf("database.sqlite_path is required")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm.max_attempts must be at least 1")
	}
	if c.LLM.TurnTimeout < c.LLM.Timeout {
		return fmt.Errorf("llm.turn_timeout (%s) must be at least llm.timeout (%s)", c.LLM.TurnTimeout, c.LLM.Timeout)
	}
	if c.Guard.ConfirmationTTL < 0 {
		return fmt.Errorf("guard.confirmation_ttl must not be negative")
	}
	if _, err := cron.NewParser(cronFields).Parse(c.Guard.SweepCron); err != nil {
		return fmt.Errorf("guard.sweep_cron: %w", err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// cronFields matches cron.WithSeconds: six fields, seconds first.
const cronFields = cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// ParseLevel maps a level name to slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
}

// LLMConfigured reports whether an API key is available.
func (c *Config) LLMConfigured() bool {
	return c.LLM.APIKey != ""
}
