// Package config defines the immutable engine configuration, its defaults,
// validation, and YAML loading with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/pkg/buffer"
)

// Duration wraps time.Duration so configs accept human-readable values
// like "50ms" or "30s" in both YAML and JSON.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the duration in time.Duration notation.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML decodes a duration from a string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

// UnmarshalJSON decodes a duration from a string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Config is the engine configuration. It is immutable once an engine is
// constructed; changing concurrency or buffer policy requires a new engine.
type Config struct {
	// MaxConcurrentStreams caps how many boundaries may be in the
	// Streaming state at once.
	MaxConcurrentStreams int `json:"max_concurrent_streams" yaml:"max_concurrent_streams"`

	// BufferSize is the per-boundary hard byte cap.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// HighWaterMark is the per-boundary byte threshold above which the
	// backpressure strategy activates. Must not exceed BufferSize.
	HighWaterMark int `json:"high_water_mark" yaml:"high_water_mark"`

	// BackpressureStrategy is one of pause, drop, buffer, error.
	BackpressureStrategy string `json:"backpressure_strategy" yaml:"backpressure_strategy"`

	// DropPolicy selects the drop strategy's victim: drop_newest (default)
	// or drop_oldest.
	DropPolicy string `json:"drop_policy,omitempty" yaml:"drop_policy,omitempty"`

	// GlobalTimeout is the wall-clock ceiling across a boundary's entire
	// Pending+Streaming+Paused lifetime.
	GlobalTimeout Duration `json:"global_timeout" yaml:"global_timeout"`

	// EnableRetry re-queues failed boundaries until MaxRetries is spent.
	EnableRetry bool `json:"enable_retry" yaml:"enable_retry"`

	// MaxRetries bounds retry attempts per boundary.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryDelay is the base of the linear backoff: retry n waits n*RetryDelay.
	RetryDelay Duration `json:"retry_delay" yaml:"retry_delay"`
}

// Default returns the engine defaults: four concurrent streams, a 64 KiB
// buffer with a 16 KiB mark, pause backpressure, and three linear retries.
func Default() Config {
	return Config{
		MaxConcurrentStreams: 4,
		BufferSize:           64 * 1024,
		HighWaterMark:        16 * 1024,
		BackpressureStrategy: "pause",
		DropPolicy:           "drop_newest",
		GlobalTimeout:        Duration(30 * time.Second),
		EnableRetry:          true,
		MaxRetries:           3,
		RetryDelay:           Duration(250 * time.Millisecond),
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.MaxConcurrentStreams <= 0 {
		return errors.Wrap(fmt.Errorf("%w: max_concurrent_streams must be positive, got %d",
			errors.ErrInvalidConfig, c.MaxConcurrentStreams), "config", "Validate", "concurrency")
	}
	if c.BufferSize <= 0 {
		return errors.Wrap(fmt.Errorf("%w: buffer_size must be positive, got %d",
			errors.ErrInvalidConfig, c.BufferSize), "config", "Validate", "buffer size")
	}
	if c.HighWaterMark <= 0 || c.HighWaterMark > c.BufferSize {
		return errors.Wrap(fmt.Errorf("%w: high_water_mark must be in (0, buffer_size], got %d",
			errors.ErrInvalidConfig, c.HighWaterMark), "config", "Validate", "high-water mark")
	}
	if _, err := buffer.ParseStrategy(c.BackpressureStrategy); err != nil {
		return errors.Wrap(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "Validate", "backpressure strategy")
	}
	if _, err := buffer.ParseDropPolicy(c.DropPolicy); err != nil {
		return errors.Wrap(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "Validate", "drop policy")
	}
	// Zero disables the lifetime ceiling entirely.
	if c.GlobalTimeout < 0 {
		return errors.Wrap(fmt.Errorf("%w: global_timeout must not be negative",
			errors.ErrInvalidConfig), "config", "Validate", "global timeout")
	}
	if c.EnableRetry {
		if c.MaxRetries < 0 {
			return errors.Wrap(fmt.Errorf("%w: max_retries must not be negative",
				errors.ErrInvalidConfig), "config", "Validate", "retry budget")
		}
		if c.RetryDelay < 0 {
			return errors.Wrap(fmt.Errorf("%w: retry_delay must not be negative",
				errors.ErrInvalidConfig), "config", "Validate", "retry delay")
		}
	}
	return nil
}

// Strategy returns the parsed backpressure strategy. Call Validate first.
func (c Config) Strategy() buffer.Strategy {
	s, _ := buffer.ParseStrategy(c.BackpressureStrategy)
	return s
}

// Drop returns the parsed drop policy. Call Validate first.
func (c Config) Drop() buffer.DropPolicy {
	p, _ := buffer.ParseDropPolicy(c.DropPolicy)
	return p
}

// Load reads a YAML config file over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "config", "Load", "read file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrap(err, "config", "Load", "parse yaml")
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays STREAMKIT_* environment variables on the config.
func (c *Config) applyEnv() error {
	if v := os.Getenv("STREAMKIT_MAX_CONCURRENT_STREAMS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "config", "applyEnv", "parse STREAMKIT_MAX_CONCURRENT_STREAMS")
		}
		c.MaxConcurrentStreams = n
	}
	if v := os.Getenv("STREAMKIT_BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "config", "applyEnv", "parse STREAMKIT_BUFFER_SIZE")
		}
		c.BufferSize = n
	}
	if v := os.Getenv("STREAMKIT_HIGH_WATER_MARK"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "config", "applyEnv", "parse STREAMKIT_HIGH_WATER_MARK")
		}
		c.HighWaterMark = n
	}
	if v := os.Getenv("STREAMKIT_BACKPRESSURE_STRATEGY"); v != "" {
		c.BackpressureStrategy = v
	}
	if v := os.Getenv("STREAMKIT_GLOBAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "config", "applyEnv", "parse STREAMKIT_GLOBAL_TIMEOUT")
		}
		c.GlobalTimeout = Duration(d)
	}
	return nil
}
