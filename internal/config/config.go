// Package config loads the layered service configuration: base TOML file,
// environment overlay, environment variable overrides, then defaults and
// validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/docuflow/docuflow/internal/engine"
	"github.com/docuflow/docuflow/internal/extraction"
	"github.com/docuflow/docuflow/internal/notify"
	"github.com/docuflow/docuflow/pkg/database"
	"github.com/docuflow/docuflow/pkg/storage"
)

const (
	BaseConfigFile       = "config.toml"
	OverlayConfigPattern = "config.%s.toml"

	EnvDocuflowEnv             = "DOCUFLOW_ENV"
	EnvDocuflowShutdownTimeout = "DOCUFLOW_SHUTDOWN_TIMEOUT"
	EnvDocuflowVersion         = "DOCUFLOW_VERSION"
)

var databaseEnv = &database.Env{
	Host:            "DOCUFLOW_DB_HOST",
	Port:            "DOCUFLOW_DB_PORT",
	Name:            "DOCUFLOW_DB_NAME",
	User:            "DOCUFLOW_DB_USER",
	Password:        "DOCUFLOW_DB_PASSWORD",
	SSLMode:         "DOCUFLOW_DB_SSL_MODE",
	MaxOpenConns:    "DOCUFLOW_DB_MAX_OPEN_CONNS",
	MaxIdleConns:    "DOCUFLOW_DB_MAX_IDLE_CONNS",
	ConnMaxLifetime: "DOCUFLOW_DB_CONN_MAX_LIFETIME",
	ConnTimeout:     "DOCUFLOW_DB_CONN_TIMEOUT",
}

var storageEnv = &storage.Env{
	ContainerName:    "DOCUFLOW_STORAGE_CONTAINER_NAME",
	ConnectionString: "DOCUFLOW_STORAGE_CONNECTION_STRING",
	MaxListSize:      "DOCUFLOW_STORAGE_MAX_LIST_SIZE",
}

var extractionEnv = &extraction.Env{
	Endpoint:   "DOCUFLOW_EXTRACTION_ENDPOINT",
	APIKey:     "DOCUFLOW_EXTRACTION_API_KEY",
	APIVersion: "DOCUFLOW_EXTRACTION_API_VERSION",
}

var engineEnv = &engine.Env{
	ChunkSize:           "DOCUFLOW_ENGINE_CHUNK_SIZE",
	MaxConcurrency:      "DOCUFLOW_ENGINE_MAX_CONCURRENCY",
	MaxRetries:          "DOCUFLOW_ENGINE_MAX_RETRIES",
	ConfidenceThreshold: "DOCUFLOW_ENGINE_CONFIDENCE_THRESHOLD",
}

var notifyEnv = &notify.Env{
	Target:   "DOCUFLOW_NOTIFY_TARGET",
	Attempts: "DOCUFLOW_NOTIFY_ATTEMPTS",
	Backoff:  "DOCUFLOW_NOTIFY_BACKOFF",
}

// Config is the root configuration for the docuflow engine.
type Config struct {
	Database        database.Config   `toml:"database"`
	Storage         storage.Config    `toml:"storage"`
	Extraction      extraction.Config `toml:"extraction"`
	Engine          engine.Config     `toml:"engine"`
	Notify          notify.Config     `toml:"notify"`
	ShutdownTimeout string            `toml:"shutdown_timeout"`
	Version         string            `toml:"version"`
}

// Env returns the DOCUFLOW_ENV value, defaulting to "local".
func (c *Config) Env() string {
	if env := os.Getenv(EnvDocuflowEnv); env != "" {
		return env
	}
	return "local"
}

// ShutdownTimeoutDuration returns ShutdownTimeout as a time.Duration.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ShutdownTimeout)
	return d
}

// Load reads the base config (if present), applies any environment overlay,
// and finalizes all values. If no config.toml exists, defaults and environment
// variables provide all configuration.
func Load() (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(BaseConfigFile); err == nil {
		loaded, err := load(BaseConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if path := overlayPath(); path != "" {
		overlay, err := load(path)
		if err != nil {
			return nil, fmt.Errorf("load overlay %s: %w", path, err)
		}
		cfg.Merge(overlay)
	}

	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("finalize config: %w", err)
	}

	return cfg, nil
}

// Merge overwrites non-zero fields from overlay across all sub-configs.
func (c *Config) Merge(overlay *Config) {
	if overlay.ShutdownTimeout != "" {
		c.ShutdownTimeout = overlay.ShutdownTimeout
	}
	if overlay.Version != "" {
		c.Version = overlay.Version
	}
	c.Database.Merge(&overlay.Database)
	c.Storage.Merge(&overlay.Storage)
	c.Extraction.Merge(&overlay.Extraction)
	c.Engine.Merge(&overlay.Engine)
	c.Notify.Merge(&overlay.Notify)
}

func (c *Config) finalize() error {
	c.loadDefaults()
	c.loadEnv()

	if err := c.validate(); err != nil {
		return err
	}
	if err := c.Database.Finalize(databaseEnv); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Storage.Finalize(storageEnv); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Extraction.Finalize(extractionEnv); err != nil {
		return fmt.Errorf("extraction: %w", err)
	}
	if err := c.Engine.Finalize(engineEnv); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Notify.Finalize(notifyEnv); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (c *Config) loadDefaults() {
	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = "30s"
	}
	if c.Version == "" {
		c.Version = "0.1.0"
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvDocuflowShutdownTimeout); v != "" {
		c.ShutdownTimeout = v
	}
	if v := os.Getenv(EnvDocuflowVersion); v != "" {
		c.Version = v
	}
}

func (c *Config) validate() error {
	if _, err := time.ParseDuration(c.ShutdownTimeout); err != nil {
		return fmt.Errorf("invalid shutdown_timeout: %w", err)
	}
	return nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

func overlayPath() string {
	if env := os.Getenv(EnvDocuflowEnv); env != "" {
		path := fmt.Sprintf(OverlayConfigPattern, env)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
