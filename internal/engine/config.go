package engine

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the orchestration parameters: split geometry, the concurrency
// ceiling, the retry budget, and the confidence gate.
type Config struct {
	ChunkSize      int    `toml:"chunk_size"`
	MaxConcurrency int    `toml:"max_concurrency"`
	MaxRetries     int    `toml:"max_retries"`
	RetryBase      string `toml:"retry_base"`
	RetryCap       string `toml:"retry_cap"`
	// ConfidenceThreshold is the inclusive acceptance bound for extracted
	// fields. Regulated deployments should run this at 0.95 or above.
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
	// TokenTTL bounds signed content URLs. It must cover worst-case queueing
	// under the concurrency limiter plus clock skew.
	TokenTTL string `toml:"token_ttl"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	ChunkSize           string
	MaxConcurrency      string
	MaxRetries          string
	ConfidenceThreshold string
}

// RetryBaseDuration returns RetryBase as a time.Duration.
func (c *Config) RetryBaseDuration() time.Duration {
	d, _ := time.ParseDuration(c.RetryBase)
	return d
}

// RetryCapDuration returns RetryCap as a time.Duration.
func (c *Config) RetryCapDuration() time.Duration {
	d, _ := time.ParseDuration(c.RetryCap)
	return d
}

// TokenTTLDuration returns TokenTTL as a time.Duration.
func (c *Config) TokenTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.TokenTTL)
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
	if overlay.ChunkSize != 0 {
		c.ChunkSize = overlay.ChunkSize
	}
	if overlay.MaxConcurrency != 0 {
		c.MaxConcurrency = overlay.MaxConcurrency
	}
	if overlay.MaxRetries != 0 {
		c.MaxRetries = overlay.MaxRetries
	}
	if overlay.RetryBase != "" {
		c.RetryBase = overlay.RetryBase
	}
	if overlay.RetryCap != "" {
		c.RetryCap = overlay.RetryCap
	}
	if overlay.ConfidenceThreshold != 0 {
		c.ConfidenceThreshold = overlay.ConfidenceThreshold
	}
	if overlay.TokenTTL != "" {
		c.TokenTTL = overlay.TokenTTL
	}
}

func (c *Config) loadDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 2
	}
	// Default sits well below the published service ceiling so polling
	// overhead counted against the same limit has headroom.
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 3
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase == "" {
		c.RetryBase = "2s"
	}
	if c.RetryCap == "" {
		c.RetryCap = "1m"
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.80
	}
	if c.TokenTTL == "" {
		c.TokenTTL = "30m"
	}
}

func (c *Config) loadEnv(env *Env) {
	if env.ChunkSize != "" {
		if v := os.Getenv(env.ChunkSize); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.ChunkSize = n
			}
		}
	}
	if env.MaxConcurrency != "" {
		if v := os.Getenv(env.MaxConcurrency); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.MaxConcurrency = n
			}
		}
	}
	if env.MaxRetries != "" {
		if v := os.Getenv(env.MaxRetries); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.MaxRetries = n
			}
		}
	}
	if env.ConfidenceThreshold != "" {
		if v := os.Getenv(env.ConfidenceThreshold); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
				c.ConfidenceThreshold = f
			}
		}
	}
}

func (c *Config) validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in (0, 1]")
	}
	if _, err := time.ParseDuration(c.RetryBase); err != nil {
		return fmt.Errorf("invalid retry_base: %w", err)
	}
	if _, err := time.ParseDuration(c.RetryCap); err != nil {
		return fmt.Errorf("invalid retry_cap: %w", err)
	}
	if _, err := time.ParseDuration(c.TokenTTL); err != nil {
		return fmt.Errorf("invalid token_ttl: %w", err)
	}
	return nil
}
