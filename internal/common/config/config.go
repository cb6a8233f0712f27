// Package config provides configuration management using Viper.
// Configuration is loaded from loom.yaml (optional) with LOOM_-prefixed
// environment variables taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loomhq/loom/internal/common/logger"
)

// Config holds the full process configuration.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
	NATS     NATSConfig           `mapstructure:"nats"`
	Storage  StorageConfig        `mapstructure:"storage"`
	Ledger   LedgerConfig         `mapstructure:"ledger"`
	Teams    TeamsConfig          `mapstructure:"teams"`
	Model    ModelConfig          `mapstructure:"model"`
	MCP      MCPConfig            `mapstructure:"mcp"`
	EventBus EventBusConfig       `mapstructure:"eventBus"`
}

// ServerConfig holds the HTTP gateway configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// NATSConfig holds the NATS connection configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"maxReconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnectWait"`
	ConnectionName string        `mapstructure:"connectionName"`
}

// StorageConfig holds the project file store configuration.
type StorageConfig struct {
	// DataDir is the root directory for projects/<id>/ trees and the
	// default ledger database file.
	DataDir string `mapstructure:"dataDir"`
}

// LedgerConfig holds the run-ledger database configuration.
type LedgerConfig struct {
	// Driver is sqlite3 or pgx.
	Driver string `mapstructure:"driver"`
	// DSN is the database connection string. Empty with the sqlite3
	// driver defaults to <dataDir>/loom.db.
	DSN string `mapstructure:"dsn"`
}

// TeamsConfig holds the team configuration directory.
type TeamsConfig struct {
	// Dir holds one YAML file per team; built-in teams are used when
	// the directory is empty or missing.
	Dir string `mapstructure:"dir"`
}

// ModelConfig selects and tunes the model provider.
type ModelConfig struct {
	// Provider is anthropic or scripted.
	Provider string `mapstructure:"provider"`
	// APIKey for the anthropic provider; falls back to ANTHROPIC_API_KEY.
	APIKey string `mapstructure:"apiKey"`
	// DefaultModel is used when a team's agent omits a model id.
	DefaultModel string `mapstructure:"defaultModel"`
	// CallTimeout bounds one model call.
	CallTimeout time.Duration `mapstructure:"callTimeout"`
}

// MCPConfig holds the MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// EventBusConfig tunes subscriber queues.
type EventBusConfig struct {
	// SubscriberBuffer is the per-subscription ring size.
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
}

// Load reads configuration from loom.yaml in the working directory (when
// present) and the environment.
func Load() (*Config, error) {
	return LoadWithPath(".")
}

// LoadWithPath reads configuration from the given directory.
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("loom")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)

	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.reconnectWait", 2*time.Second)
	v.SetDefault("nats.connectionName", "loom")

	v.SetDefault("storage.dataDir", "./data")

	v.SetDefault("ledger.driver", "sqlite3")
	v.SetDefault("ledger.dsn", "")

	v.SetDefault("teams.dir", "./teams")

	v.SetDefault("model.provider", "anthropic")
	v.SetDefault("model.apiKey", "")
	v.SetDefault("model.defaultModel", "claude-sonnet-4-5")
	v.SetDefault("model.callTimeout", 120*time.Second)

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 8765)

	v.SetDefault("eventBus.subscriberBuffer", 256)
}

// bindEnvKeys binds every key explicitly so LOOM_SERVER_PORT and friends
// resolve without a config file present.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"server.host", "server.port",
		"logging.level", "logging.format", "logging.outputPath",
		"nats.url", "nats.maxReconnects", "nats.reconnectWait", "nats.connectionName",
		"storage.dataDir",
		"ledger.driver", "ledger.dsn",
		"teams.dir",
		"model.provider", "model.apiKey", "model.defaultModel", "model.callTimeout",
		"mcp.enabled", "mcp.port",
		"eventBus.subscriberBuffer",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Ledger.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("invalid ledger driver: %q (want sqlite3 or pgx)", c.Ledger.Driver)
	}
	if c.Ledger.Driver == "pgx" && c.Ledger.DSN == "" {
		return fmt.Errorf("ledger dsn is required with the pgx driver")
	}
	switch c.Model.Provider {
	case "anthropic", "scripted":
	default:
		return fmt.Errorf("invalid model provider: %q (want anthropic or scripted)", c.Model.Provider)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data dir must not be empty")
	}
	if c.EventBus.SubscriberBuffer <= 0 {
		return fmt.Errorf("event bus subscriber buffer must be positive")
	}
	return nil
}
