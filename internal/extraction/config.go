package extraction

import (
	"fmt"
	"os"
	"time"
)

// Config holds connection parameters for the document-understanding service.
type Config struct {
	Endpoint     string `toml:"endpoint"`
	APIKey       string `toml:"api_key"`
	APIVersion   string `toml:"api_version"`
	PollInterval string `toml:"poll_interval"`
	PollTimeout  string `toml:"poll_timeout"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	Endpoint   string
	APIKey     string
	APIVersion string
}

// PollIntervalDuration returns PollInterval as a time.Duration.
func (c *Config) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}

// PollTimeoutDuration returns PollTimeout as a time.Duration.
func (c *Config) PollTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollTimeout)
	return d
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *Config) Finalize(env *Env) error {
	c.loadDefaults()
	if env != nil {
		c.loadEnv(env)
	}
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *Config) Merge(overlay *Config) {
	if overlay.Endpoint != "" {
		c.Endpoint = overlay.Endpoint
	}
	if overlay.APIKey != "" {
		c.APIKey = overlay.APIKey
	}
	if overlay.APIVersion != "" {
		c.APIVersion = overlay.APIVersion
	}
	if overlay.PollInterval != "" {
		c.PollInterval = overlay.PollInterval
	}
	if overlay.PollTimeout != "" {
		c.PollTimeout = overlay.PollTimeout
	}
}

func (c *Config) loadDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = "2024-11-30"
	}
	if c.PollInterval == "" {
		c.PollInterval = "2s"
	}
	if c.PollTimeout == "" {
		c.PollTimeout = "5m"
	}
}

func (c *Config) loadEnv(env *Env) {
	if env.Endpoint != "" {
		if v := os.Getenv(env.Endpoint); v != "" {
			c.Endpoint = v
		}
	}
	if env.APIKey != "" {
		if v := os.Getenv(env.APIKey); v != "" {
			c.APIKey = v
		}
	}
	if env.APIVersion != "" {
		if v := os.Getenv(env.APIVersion); v != "" {
			c.APIVersion = v
		}
	}
}

func (c *Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint required")
	}
	if _, err := time.ParseDuration(c.PollInterval); err != nil {
		return fmt.Errorf("invalid poll_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.PollTimeout); err != nil {
		return fmt.Errorf("invalid poll_timeout: %w", err)
	}
	return nil
}
