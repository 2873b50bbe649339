package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for cirrusfs.
type Config struct {
	// Server configuration
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
	Region   string `mapstructure:"region"`

	// Root credentials, seeded into the user table on first start.
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`

	// Lifecycle janitor
	LifecycleInterval time.Duration `mapstructure:"lifecycle_interval"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig defines the scrape endpoint.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// ListenAddr is the host:port pair the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// Load resolves configuration from flags, an optional config file, and
// environment variables, in that order of precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("CIRRUSFS")
	v.AutomaticEnv()

	// The standard AWS variables replace the built-in credential defaults so
	// SDK-configured environments work unchanged. Flags, config file and
	// CIRRUSFS_ variables still take precedence.
	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		v.SetDefault("access_key", key)
	}
	if key := os.Getenv("AWS_SECRET_ACCESS_KEY"); key != "" {
		v.SetDefault("secret_key", key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("region", "us-east-1")
	v.SetDefault("access_key", "admin")
	v.SetDefault("secret_key", "password")
	v.SetDefault("lifecycle_interval", time.Minute)
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	bindings := map[string]string{
		"hostname":           "hostname",
		"port":               "port",
		"storage":            "data_dir",
		"log-level":          "log_level",
		"region":             "region",
		"access-key":         "access_key",
		"secret-key":         "secret_key",
		"lifecycle-interval": "lifecycle_interval",
	}
	for flag, key := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port %d is out of range", cfg.Port)
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return fmt.Errorf("access_key and secret_key must not be empty")
	}
	if cfg.LifecycleInterval < time.Minute {
		return fmt.Errorf("lifecycle_interval must be at least one minute")
	}

	abs, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("invalid data_dir: %w", err)
	}
	cfg.DataDir = abs
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}
