// Package config loads the chat client configuration from CHAT_* variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the client configuration.
type Config struct {
	APIURL    string `env:"CHAT_API_URL" envDefault:"http://localhost:8081/api"`
	BrokerURL string `env:"CHAT_BROKER_URL" envDefault:"ws://localhost:8081/ws/chat/websocket"`

	RequestTimeout time.Duration `env:"CHAT_REQUEST_TIMEOUT" envDefault:"10s"`
	ConnectTimeout time.Duration `env:"CHAT_CONNECT_TIMEOUT" envDefault:"10s"`
	ReconnectDelay time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"5s"`
	HeartBeat      time.Duration `env:"CHAT_HEARTBEAT" envDefault:"10s"`

	RenewalThreshold      int `env:"CHAT_RENEWAL_THRESHOLD" envDefault:"60"`
	DefaultSessionMinutes int `env:"CHAT_DEFAULT_SESSION_MINUTES" envDefault:"60"`

	Presence    bool   `env:"CHAT_PRESENCE" envDefault:"true"`
	LogLevel    string `env:"CHAT_LOG_LEVEL" envDefault:"info"`
	MetricsFile string `env:"CHAT_METRICS_FILE"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c Config) Validate() error {
	switch {
	case c.APIURL == "":
		return fmt.Errorf("api url is required")
	case c.BrokerURL == "":
		return fmt.Errorf("broker url is required")
	case c.RenewalThreshold < 0:
		return fmt.Errorf("renewal threshold must not be negative, got %d", c.RenewalThreshold)
	case c.DefaultSessionMinutes <= 0:
		return fmt.Errorf("default session minutes must be positive, got %d", c.DefaultSessionMinutes)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// DefaultSessionDuration is DefaultSessionMinutes as a duration.
func (c Config) DefaultSessionDuration() time.Duration {
	return time.Duration(c.DefaultSessionMinutes) * time.Minute
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}
