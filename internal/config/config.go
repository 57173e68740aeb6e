package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Engine    EngineConfig    `yaml:"engine"`
	SparkPost SparkPostConfig `yaml:"sparkpost"`
	LogLevel  string          `yaml:"log_level"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if c.Host == "" {
		return "localhost"
	}
	return c.Host
}

// Addr returns the host:port listen address
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings for the per-owner engine lock.
// Optional: without Redis the lock falls back to Postgres advisory locks.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// EngineConfig holds campaign send engine settings
type EngineConfig struct {
	DailyLimit          int    `yaml:"daily_limit"`
	TickIntervalSeconds int    `yaml:"tick_interval_seconds"`
	Timezone            string `yaml:"timezone"` // IANA name for the daily quota window
}

// SparkPostConfig holds SparkPost API configuration
type SparkPostConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
	Enabled   bool   `yaml:"enabled"`
}

// Load reads configuration from a YAML file and applies defaults.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Engine.DailyLimit == 0 {
		cfg.Engine.DailyLimit = 500
	}
	if cfg.Engine.TickIntervalSeconds == 0 {
		cfg.Engine.TickIntervalSeconds = 60
	}
	if cfg.SparkPost.BaseURL == "" {
		cfg.SparkPost.BaseURL = "https://api.sparkpost.com"
	}
	if cfg.SparkPost.FromEmail == "" {
		cfg.SparkPost.FromEmail = "news@mail.ignite.com"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SPARKPOST_API_KEY"); v != "" {
		cfg.SparkPost.APIKey = v
		cfg.SparkPost.Enabled = true
	}
	if v := os.Getenv("SPARKPOST_BASE_URL"); v != "" {
		cfg.SparkPost.BaseURL = v
	}
	if v := os.Getenv("SPARKPOST_FROM_EMAIL"); v != "" {
		cfg.SparkPost.FromEmail = v
	}
	if v := os.Getenv("ENGINE_DAILY_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			cfg.Engine.DailyLimit = limit
		}
	}
	if v := os.Getenv("ENGINE_TIMEZONE"); v != "" {
		cfg.Engine.Timezone = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
