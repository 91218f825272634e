package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Session SessionConfig `mapstructure:"session"`
	Stage   StageConfig   `mapstructure:"staging"`
	Admin   AdminConfig   `mapstructure:"admin"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	AdminPort   int    `mapstructure:"admin_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the fast usage-counter tier connection
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level                     string `mapstructure:"level"`
	Format                    string `mapstructure:"format"`
	OperationLogRetentionDays int    `mapstructure:"operation_log_retention_days"`
}

// QuotaConfig defines per-tier daily ceilings and the reference day boundary
type QuotaConfig struct {
	FreeDailyLimit    int64  `mapstructure:"free_daily_limit"`
	PremiumDailyLimit int64  `mapstructure:"premium_daily_limit"`
	Timezone          string `mapstructure:"timezone"`
}

// SessionConfig defines conversation workflow limits
type SessionConfig struct {
	IdleTimeout      string `mapstructure:"idle_timeout"`
	MaxInputFiles    int    `mapstructure:"max_input_files"`
	MaxFileSizeBytes int64  `mapstructure:"max_file_size_bytes"`
}

// StageConfig defines staged artifact storage and expiry
type StageConfig struct {
	Dir             string `mapstructure:"dir"`
	RetentionWindow string `mapstructure:"retention_window"`
	SweepInterval   string `mapstructure:"sweep_interval"`
}

// AdminConfig defines the reporting API settings
type AdminConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	InitialUsername string `mapstructure:"initial_username"`
	InitialPassword string `mapstructure:"initial_password"`
	JWTSecret       string `mapstructure:"jwt_secret"`
	SessionTimeout  string `mapstructure:"session_timeout"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("DOCFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.admin_port", 8086)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/docfold/docfold.bolt")
	v.SetDefault("storage.redis.enabled", true)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.operation_log_retention_days", 90)

	// Quota defaults
	v.SetDefault("quota.free_daily_limit", 5)
	v.SetDefault("quota.premium_daily_limit", 100)
	v.SetDefault("quota.timezone", "UTC")

	// Session defaults
	v.SetDefault("session.idle_timeout", "15m")
	v.SetDefault("session.max_input_files", 10)
	v.SetDefault("session.max_file_size_bytes", 50*1024*1024)

	// Staging defaults
	v.SetDefault("staging.dir", "/var/lib/docfold/staging")
	v.SetDefault("staging.retention_window", "24h")
	v.SetDefault("staging.sweep_interval", "10m")

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.initial_username", "admin")
	v.SetDefault("admin.initial_password", "changeme")
	v.SetDefault("admin.session_timeout", "24h")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.AdminPort <= 0 || cfg.Server.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", cfg.Server.AdminPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if cfg.Quota.FreeDailyLimit <= 0 {
		return fmt.Errorf("free daily limit must be positive, got %d", cfg.Quota.FreeDailyLimit)
	}
	if cfg.Quota.PremiumDailyLimit < cfg.Quota.FreeDailyLimit {
		return fmt.Errorf("premium daily limit (%d) below free limit (%d)",
			cfg.Quota.PremiumDailyLimit, cfg.Quota.FreeDailyLimit)
	}
	if _, err := time.LoadLocation(cfg.Quota.Timezone); err != nil {
		return fmt.Errorf("invalid quota timezone %q: %w", cfg.Quota.Timezone, err)
	}

	if cfg.Session.MaxInputFiles <= 0 {
		return fmt.Errorf("max input files must be positive, got %d", cfg.Session.MaxInputFiles)
	}
	if cfg.Session.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", cfg.Session.MaxFileSizeBytes)
	}

	if cfg.Stage.Dir == "" {
		cfg.Stage.Dir = filepath.Join(filepath.Dir(cfg.Storage.Path), "staging")
	}

	return nil
}
