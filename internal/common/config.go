package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Research    ResearchConfig  `toml:"research"`
	Progress    ProgressConfig  `toml:"progress"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host" validate:"required"`
}

// ResearchConfig addresses the REST side of the job-execution service
type ResearchConfig struct {
	BaseURL   string `toml:"base_url" validate:"required,url"` // e.g. "http://localhost:8000"
	Timeout   string `toml:"timeout"`                          // HTTP request timeout (default: "30s")
	RateLimit string `toml:"rate_limit"`                       // Minimum time between REST calls (default: "200ms", "0" disables)
}

// ProgressConfig controls the per-job progress feeds
type ProgressConfig struct {
	BaseURL           string  `toml:"base_url" validate:"omitempty,url"` // ws(s) origin override; derived from research.base_url when empty
	PathPrefix        string  `toml:"path_prefix" validate:"required,startswith=/"`
	KeepaliveInterval string  `toml:"keepalive_interval"` // default: "30s"
	ReconnectDelay    string  `toml:"reconnect_delay"`    // default: "5s"
	ReconnectJitter   string  `toml:"reconnect_jitter"`   // default: "0s"
	HandshakeTimeout  string  `toml:"handshake_timeout"`  // default: "10s"
	DialRate          float64 `toml:"dial_rate_per_second" validate:"gte=0"`
	DialBurst         int     `toml:"dial_burst" validate:"gte=0"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Enabled        bool   `toml:"enabled"`          // Persist job snapshots across restarts
	Path           string `toml:"path" validate:"required_if=Enabled true"`
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=debug info warn error"`
	Output []string `toml:"output" validate:"dive,oneof=stdout console file"`
}

// WebSocketConfig contains configuration for the dashboard fan-out
type WebSocketConfig struct {
	// Minimum gap between progress-only broadcasts for the same job.
	// Status changes are never throttled.
	ThrottleInterval string `toml:"throttle_interval"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8086,
			Host: "localhost",
		},
		Research: ResearchConfig{
			BaseURL:   "http://localhost:8000",
			Timeout:   "30s",
			RateLimit: "200ms",
		},
		Progress: ProgressConfig{
			PathPrefix:        "/ws/progress/",
			KeepaliveInterval: "30s",
			ReconnectDelay:    "5s",
			ReconnectJitter:   "0s",
			HandshakeTimeout:  "10s",
			DialRate:          5,
			DialBurst:         5,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Enabled: false,
				Path:    "./data/jobfeed",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		WebSocket: WebSocketConfig{
			ThrottleInterval: "250ms",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> .env -> env
// Later files override earlier files. CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// .env is optional; variables already set in the process win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("JOBFEED_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("JOBFEED_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("JOBFEED_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Research service
	if baseURL := os.Getenv("JOBFEED_RESEARCH_BASE_URL"); baseURL != "" {
		config.Research.BaseURL = baseURL
	}
	if timeout := os.Getenv("JOBFEED_RESEARCH_TIMEOUT"); timeout != "" {
		config.Research.Timeout = timeout
	}
	if rateLimit := os.Getenv("JOBFEED_RESEARCH_RATE_LIMIT"); rateLimit != "" {
		config.Research.RateLimit = rateLimit
	}

	// Progress feeds
	if baseURL := os.Getenv("JOBFEED_PROGRESS_BASE_URL"); baseURL != "" {
		config.Progress.BaseURL = baseURL
	}
	if keepalive := os.Getenv("JOBFEED_PROGRESS_KEEPALIVE_INTERVAL"); keepalive != "" {
		config.Progress.KeepaliveInterval = keepalive
	}
	if delay := os.Getenv("JOBFEED_PROGRESS_RECONNECT_DELAY"); delay != "" {
		config.Progress.ReconnectDelay = delay
	}
	if jitter := os.Getenv("JOBFEED_PROGRESS_RECONNECT_JITTER"); jitter != "" {
		config.Progress.ReconnectJitter = jitter
	}
	if dialRate := os.Getenv("JOBFEED_PROGRESS_DIAL_RATE"); dialRate != "" {
		if r, err := strconv.ParseFloat(dialRate, 64); err == nil {
			config.Progress.DialRate = r
		}
	}

	// Storage configuration
	if enabled := os.Getenv("JOBFEED_BADGER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Storage.Badger.Enabled = e
		}
	}
	if badgerPath := os.Getenv("JOBFEED_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("JOBFEED_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("JOBFEED_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks struct tags and every duration string
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"research.timeout":            c.Research.Timeout,
		"research.rate_limit":         c.Research.RateLimit,
		"progress.keepalive_interval": c.Progress.KeepaliveInterval,
		"progress.reconnect_delay":    c.Progress.ReconnectDelay,
		"progress.reconnect_jitter":   c.Progress.ReconnectJitter,
		"progress.handshake_timeout":  c.Progress.HandshakeTimeout,
		"websocket.throttle_interval": c.WebSocket.ThrottleInterval,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s=%q: %w", key, value, err)
		} else if d < 0 {
			return fmt.Errorf("invalid configuration: %s must not be negative", key)
		}
	}

	if _, err := c.ProgressOrigin(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ProgressOrigin returns the ws(s) origin for progress feeds: the explicit
// progress.base_url, otherwise one derived from research.base_url
func (c *Config) ProgressOrigin() (string, error) {
	if c.Progress.BaseURL != "" {
		return DeriveWebSocketOrigin(c.Progress.BaseURL)
	}
	return DeriveWebSocketOrigin(c.Research.BaseURL)
}

// ParseDurationOr parses s, returning fallback when s is empty or invalid
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
