package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	automation "github.com/goliatone/go-automation"
	"github.com/goliatone/go-automation/core"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes environment overrides. A double underscore separates
// nesting levels: AUTOMATION_ENGINE__DISPATCH__MAX_ATTEMPTS=5.
const EnvPrefix = "AUTOMATION_"

type DatabaseConfig struct {
	Driver      string        `koanf:"driver"`
	DSN         string        `koanf:"dsn"`
	Debug       bool          `koanf:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout"`
	AutoMigrate bool          `koanf:"auto_migrate"`
}

type WebhookConfig struct {
	AppSecret   string        `koanf:"app_secret"`
	VerifyToken string        `koanf:"verify_token"`
	BurstWindow time.Duration `koanf:"burst_window"`
	Concurrency int           `koanf:"concurrency"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Config is the file and environment backed configuration of the CLI.
type Config struct {
	Engine   core.Config            `koanf:"engine"`
	Database DatabaseConfig         `koanf:"database"`
	Graph    automation.GraphConfig `koanf:"graph"`
	Webhook  WebhookConfig          `koanf:"webhook"`
	Log      LogConfig              `koanf:"log"`
	Tracing  TracingConfig          `koanf:"tracing"`
	// RulePacks lists YAML rule pack files applied by the seed command.
	RulePacks []string `koanf:"rule_packs"`
}

func DefaultConfig() Config {
	return Config{
		Engine: automation.DefaultConfig(),
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			DSN:         "file:automation.db?cache=shared&_foreign_keys=on",
			PingTimeout: 5 * time.Second,
			AutoMigrate: true,
		},
		Graph: automation.GraphConfig{
			Tokens: map[string]string{},
		},
		Webhook: WebhookConfig{
			BurstWindow: 30 * time.Second,
			Concurrency: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig layers an optional YAML file and AUTOMATION_ environment
// variables over DefaultConfig. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	k := koanf.New(".")

	if path = strings.TrimSpace(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return cfg, fmt.Errorf("load config env: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__", ".")
}

func (c Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Database.Driver) == "" {
		return fmt.Errorf("database.driver is required")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if !isValidFormat(c.Log.Format) {
		return fmt.Errorf("invalid log.format %q: must be one of %v", c.Log.Format, ValidFormats)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}
