package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Creem    CreemConfig    `yaml:"creem" envconfig:"CREEM"`
	Budget   BudgetConfig   `yaml:"budget" envconfig:"BUDGET"`
	Session  SessionConfig  `yaml:"session" envconfig:"SESSION"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig selects the durable store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" envconfig:"DRIVER" default:"sqlite"`
	DSN    string `yaml:"dsn" envconfig:"DSN" default:"data/license.db"`
}

// CreemConfig contains the upstream payment platform credentials.
// An empty APIKey puts the reconciler into local-store-only mode.
type CreemConfig struct {
	APIKey        string        `yaml:"api_key" envconfig:"API_KEY"`
	Mode          string        `yaml:"mode" envconfig:"MODE" default:"production"`
	WebhookSecret string        `yaml:"webhook_secret" envconfig:"WEBHOOK_SECRET"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"10s"`
}

// BaseURL returns the Creem API base URL for the configured mode
func (c CreemConfig) BaseURL() string {
	if c.Mode == "sandbox" {
		return "https://test-api.creem.io"
	}
	return "https://api.creem.io"
}

// BudgetConfig contains the request budget guard settings
type BudgetConfig struct {
	RequestsPerMinute int   `yaml:"requests_per_minute" envconfig:"REQUESTS_PER_MINUTE" default:"100"`
	Burst             int   `yaml:"burst" envconfig:"BURST" default:"20"`
	MaxDailyRequests  int64 `yaml:"max_daily_requests" envconfig:"MAX_DAILY_REQUESTS" default:"10000"`
}

// SessionConfig contains session token settings
type SessionConfig struct {
	TTL              time.Duration `yaml:"ttl" envconfig:"TTL" default:"3600s"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold" envconfig:"REFRESH_THRESHOLD" default:"300s"`
	SweepInterval    time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"1h"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/license-api.log"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"https://hedge-edge.com,https://www.hedge-edge.com,app://."`
	TrustedProxies []string `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
	IPHashSalt     string   `yaml:"ip_hash_salt" envconfig:"IP_HASH_SALT"`
	EnableCORS     bool     `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
}

// Load loads configuration from environment variables and an optional
// config.yaml. Environment variables win over file values.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("HEDGE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := os.Getenv("HEDGE_CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	if _, err := os.Stat(configFile); err == nil {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileCfg, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs overlays env config on top of file config. Secrets and the
// store backend are the file-configurable pieces; everything else keeps env
// defaults unless an env var overrides it.
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Creem.APIKey == "" {
		envConfig.Creem.APIKey = fileConfig.Creem.APIKey
	}
	if envConfig.Creem.WebhookSecret == "" {
		envConfig.Creem.WebhookSecret = fileConfig.Creem.WebhookSecret
	}
	if envConfig.Security.IPHashSalt == "" {
		envConfig.Security.IPHashSalt = fileConfig.Security.IPHashSalt
	}
	if len(envConfig.Security.TrustedProxies) == 0 {
		envConfig.Security.TrustedProxies = fileConfig.Security.TrustedProxies
	}
	if fileConfig.Database.Driver != "" && os.Getenv("HEDGE_DATABASE_DRIVER") == "" {
		envConfig.Database.Driver = fileConfig.Database.Driver
	}
	if fileConfig.Database.DSN != "" && os.Getenv("HEDGE_DATABASE_DSN") == "" {
		envConfig.Database.DSN = fileConfig.Database.DSN
	}
	return envConfig
}

// validate checks configuration consistency
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	switch c.Creem.Mode {
	case "sandbox", "production":
	default:
		return fmt.Errorf("invalid creem mode: %q (want sandbox or production)", c.Creem.Mode)
	}
	if c.Budget.RequestsPerMinute < 1 {
		return fmt.Errorf("requests_per_minute must be positive, got %d", c.Budget.RequestsPerMinute)
	}
	if c.Budget.MaxDailyRequests < 1 {
		return fmt.Errorf("max_daily_requests must be positive, got %d", c.Budget.MaxDailyRequests)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.Session.TTL)
	}
	if c.Session.RefreshThreshold <= 0 || c.Session.RefreshThreshold >= c.Session.TTL {
		return fmt.Errorf("refresh threshold %s must be positive and below the session ttl %s",
			c.Session.RefreshThreshold, c.Session.TTL)
	}
	return nil
}
