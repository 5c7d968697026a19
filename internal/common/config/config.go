// Package config provides configuration management for Squadlite.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Squadlite control plane.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Director DirectorConfig `mapstructure:"director"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig selects the repository backend. The "memory" driver is a
// development mode: no persistence and no change-stream watchers.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // mongo, memory
}

// MongoConfig holds MongoDB connection configuration.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	DBName   string `mapstructure:"dbName"`
	MaxPool  uint64 `mapstructure:"maxPool"`
	TimeoutS int    `mapstructure:"timeoutSeconds"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SandboxConfig holds shared-sandbox provider configuration.
type SandboxConfig struct {
	// APIToken authenticates against the sandbox provider.
	APIToken string `mapstructure:"apiToken"`
	// Name is the name of the single shared sandbox instance.
	Name string `mapstructure:"name"`
	// AgentBinary is the local path of the prebuilt linux squad-agent binary
	// uploaded into the sandbox during setup.
	AgentBinary string `mapstructure:"agentBinary"`
	// AgentPath is the fixed path the binary is installed at inside the sandbox.
	AgentPath string `mapstructure:"agentPath"`
	// CostPerSecond feeds the estimatedCost field of sandbox records.
	CostPerSecond float64 `mapstructure:"costPerSecond"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	APIKey    string `mapstructure:"apiKey"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
	MaxTurns  int    `mapstructure:"maxTurns"`
}

// DirectorConfig holds director orchestration tunables.
type DirectorConfig struct {
	WaitTimeout  int `mapstructure:"waitTimeoutSeconds"`  // specialist wait budget
	PollInterval int `mapstructure:"pollIntervalSeconds"` // task status poll cadence
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// WaitTimeoutDuration returns the specialist wait budget as a time.Duration.
func (d *DirectorConfig) WaitTimeoutDuration() time.Duration {
	return time.Duration(d.WaitTimeout) * time.Second
}

// PollIntervalDuration returns the poll cadence as a time.Duration.
func (d *DirectorConfig) PollIntervalDuration() time.Duration {
	return time.Duration(d.PollInterval) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SQUADLITE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults
	v.SetDefault("storage.driver", "mongo")

	// Mongo defaults
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.dbName", "squad-lite")
	v.SetDefault("mongo.maxPool", 25)
	v.SetDefault("mongo.timeoutSeconds", 10)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "squadlite")
	v.SetDefault("nats.maxReconnects", 10)

	// Sandbox defaults
	v.SetDefault("sandbox.apiToken", "")
	v.SetDefault("sandbox.name", "squadlite-shared")
	v.SetDefault("sandbox.agentBinary", "./bin/squad-agent-linux")
	v.SetDefault("sandbox.agentPath", "/usr/local/bin/squad-agent")
	v.SetDefault("sandbox.costPerSecond", 0.000231)

	// LLM defaults
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.maxTokens", 8192)
	v.SetDefault("llm.maxTurns", 50)

	// Director defaults
	v.SetDefault("director.waitTimeoutSeconds", 120)
	v.SetDefault("director.pollIntervalSeconds", 2)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SQUADLITE_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SQUADLITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bindings for the conventional unprefixed env var names. AutomaticEnv
	// does not handle camelCase to SNAKE_CASE conversion, so keys whose env
	// naming differs from the config key naming are bound explicitly.
	_ = v.BindEnv("mongo.uri", "MONGODB_URI", "SQUADLITE_MONGO_URI")
	_ = v.BindEnv("mongo.dbName", "MONGODB_DB_NAME", "SQUADLITE_MONGO_DB_NAME")
	_ = v.BindEnv("llm.apiKey", "ANTHROPIC_API_KEY", "SQUADLITE_LLM_API_KEY")
	_ = v.BindEnv("sandbox.apiToken", "SPRITES_API_TOKEN", "E2B_API_KEY", "SQUADLITE_SANDBOX_API_TOKEN")
	_ = v.BindEnv("server.port", "PORT", "SQUADLITE_SERVER_PORT")
	_ = v.BindEnv("server.host", "HOST", "SQUADLITE_SERVER_HOST")
	_ = v.BindEnv("nats.url", "NATS_URL", "SQUADLITE_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/squadlite/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "mongo":
		if cfg.Mongo.URI == "" {
			errs = append(errs, "mongo.uri is required")
		}
		if cfg.Mongo.DBName == "" {
			errs = append(errs, "mongo.dbName is required")
		}
	default:
		errs = append(errs, "storage.driver must be one of: mongo, memory")
	}

	if cfg.Director.WaitTimeout <= 0 {
		errs = append(errs, "director.waitTimeoutSeconds must be positive")
	}
	if cfg.Director.PollInterval <= 0 {
		errs = append(errs, "director.pollIntervalSeconds must be positive")
	}
	if cfg.LLM.MaxTurns <= 0 {
		errs = append(errs, "llm.maxTurns must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
