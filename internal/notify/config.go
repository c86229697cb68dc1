package notify

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds delivery parameters for the completion event sink.
// An empty target disables delivery.
type Config struct {
	Target   string `toml:"target"`
	Attempts int    `toml:"attempts"`
	Backoff  string `toml:"backoff"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	Target   string
	Attempts string
	Backoff  string
}

// BackoffDuration returns Backoff as a time.Duration.
func (c *Config) BackoffDuration() time.Duration {
	d, _ := time.ParseDuration(c.Backoff)
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
	if overlay.Target != "" {
		c.Target = overlay.Target
	}
	if overlay.Attempts != 0 {
		c.Attempts = overlay.Attempts
	}
	if overlay.Backoff != "" {
		c.Backoff = overlay.Backoff
	}
}

func (c *Config) loadDefaults() {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.Backoff == "" {
		c.Backoff = "500ms"
	}
}

func (c *Config) loadEnv(env *Env) {
	if env.Target != "" {
		if v := os.Getenv(env.Target); v != "" {
			c.Target = v
		}
	}
	if env.Attempts != "" {
		if v := os.Getenv(env.Attempts); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.Attempts = n
			}
		}
	}
	if env.Backoff != "" {
		if v := os.Getenv(env.Backoff); v != "" {
			c.Backoff = v
		}
	}
}

func (c *Config) validate() error {
	if c.Attempts < 1 {
		return fmt.Errorf("attempts must be positive")
	}
	if _, err := time.ParseDuration(c.Backoff); err != nil {
		return fmt.Errorf("invalid backoff: %w", err)
	}
	return nil
}
