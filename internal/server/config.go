// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay configuration.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	HistoryCapacity int
	CatchUpSize     int
	SendQueueSize   int
	LogLevel        string
	LogFormat       string
}

// environment mirrors Config as flat env tags.
type environment struct {
	Port                    string        `env:"PORT,default=8080"`
	AllowedOrigins          string        `env:"ALLOWED_ORIGINS,default=*"`
	MaxMessageSize          int64         `env:"MAX_MESSAGE_SIZE,default=4096"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST,default=10"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
	HistoryCapacity         int           `env:"HISTORY_CAPACITY,default=1000"`
	CatchUpSize             int           `env:"CATCH_UP_SIZE,default=50"`
	SendQueueSize           int           `env:"SEND_QUEUE_SIZE,default=256"`
	LogLevel                string        `env:"LOG_LEVEL,default=info"`
	LogFormat               string        `env:"LOG_FORMAT,default=json"`
}

const (
	defaultPort            = "8080"
	defaultMaxMessageSize  = 4096
	defaultBurst           = 10
	defaultHistoryCapacity = 1000
	defaultCatchUpSize     = 50
	defaultSendQueueSize   = 256
)

// DefaultConfig returns the configuration used when nothing is set in the environment.
func DefaultConfig() Config {
	return Config{
		Port:           defaultPort,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		HistoryCapacity: defaultHistoryCapacity,
		CatchUpSize:     defaultCatchUpSize,
		SendQueueSize:   defaultSendQueueSize,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// LoadConfig reads the configuration from environment variables.
func LoadConfig() (Config, error) {
	var e environment
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}

	cfg := Config{
		Port:           e.Port,
		AllowedOrigins: parseOrigins(e.AllowedOrigins),
		MaxMessageSize: e.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          e.RateLimitBurst,
			RefillInterval: e.RateLimitRefillInterval,
		},
		HistoryCapacity: e.HistoryCapacity,
		CatchUpSize:     e.CatchUpSize,
		SendQueueSize:   e.SendQueueSize,
		LogLevel:        e.LogLevel,
		LogFormat:       e.LogFormat,
	}

	cfg = cfg.sanitize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// sanitize replaces non-positive limits with their defaults.
func (c Config) sanitize() Config {
	c.Port = strings.TrimSpace(c.Port)
	if c.Port == "" {
		c.Port = defaultPort
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultBurst
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}

	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = defaultHistoryCapacity
	}

	if c.CatchUpSize < 0 {
		c.CatchUpSize = defaultCatchUpSize
	}

	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	if strings.ContainsAny(c.Port, " \t") {
		return fmt.Errorf("invalid PORT value: %q", c.Port)
	}
	if c.CatchUpSize > c.HistoryCapacity {
		return errors.New("CATCH_UP_SIZE cannot exceed HISTORY_CAPACITY")
	}
	// auth_success and the catch-up frames are queued together.
	if c.CatchUpSize >= c.SendQueueSize {
		return errors.New("CATCH_UP_SIZE must be smaller than SEND_QUEUE_SIZE")
	}
	return nil
}

// Addr returns the listen address for the configured port. Both "8080" and
// "127.0.0.1:8080" forms are accepted.
func (c Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
