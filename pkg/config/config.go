// Package config loads service configuration from a yaml file with
// environment overrides for the values that differ per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	HubSpot struct {
		BaseURL     string        `yaml:"baseUrl"`
		AccessToken string        `yaml:"accessToken"`
		Timeout     time.Duration `yaml:"timeout"`
		Archived    bool          `yaml:"archived"`
	} `yaml:"hubspot"`

	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`

		// URL, when set, wins over the individual fields.
		URL string `yaml:"url"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Scan struct {
		PageSize        int    `yaml:"pageSize"`
		CheckpointEvery int    `yaml:"checkpointEvery"`
		DefaultTenant   string `yaml:"defaultTenant"`
	} `yaml:"scan"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns a configuration usable for local development, except for
// the HubSpot token which has no sensible default.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.HubSpot.BaseURL = "https://api.hubapi.com"
	cfg.HubSpot.Timeout = 30 * time.Second
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "etl"
	cfg.Database.Name = "etl"
	cfg.Database.SSLMode = "disable"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Scan.PageSize = 100
	cfg.Scan.CheckpointEvery = 10
	cfg.Scan.DefaultTenant = "default"
	cfg.LogLevel = "info"
	return cfg
}

// Load reads the yaml file at path (skipped when path is empty), applies
// environment overrides on top and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the deployment-specific environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("HUBSPOT_ACCESS_TOKEN"); v != "" {
		c.HubSpot.AccessToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.HubSpot.AccessToken == "" {
		return fmt.Errorf("hubspot access token is required (set HUBSPOT_ACCESS_TOKEN)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Scan.PageSize <= 0 || c.Scan.PageSize > 100 {
		return fmt.Errorf("scan page size must be in 1..100, got %d", c.Scan.PageSize)
	}
	if c.Scan.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint interval must be positive, got %d", c.Scan.CheckpointEvery)
	}
	return nil
}

// PostgresDSN builds the connection string for pgx.
func (c *Config) PostgresDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
