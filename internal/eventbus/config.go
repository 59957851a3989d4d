package eventbus

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config represents the event bus configuration
type Config struct {
	Enabled              bool          `json:"enabled" mapstructure:"enabled"`
	URL                  string        `json:"url" mapstructure:"url"`
	StreamName           string        `json:"stream_name" mapstructure:"stream_name"`
	MaxAge               time.Duration `json:"max_age" mapstructure:"max_age"`
	MaxBytes             int64         `json:"max_bytes" mapstructure:"max_bytes"`
	MaxMsgs              int64         `json:"max_msgs" mapstructure:"max_msgs"`
	Replicas             int           `json:"replicas" mapstructure:"replicas"`
	ConnectTimeout       time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	ReconnectWait        time.Duration `json:"reconnect_wait" mapstructure:"reconnect_wait"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
}

// DefaultConfig returns default event bus configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:              false,
		URL:                  "nats://localhost:4222",
		StreamName:           "OSDEQ_EVENTS",
		MaxAge:               7 * 24 * time.Hour,
		MaxBytes:             256 * 1024 * 1024, // 256MB
		MaxMsgs:              1000000,
		Replicas:             1,
		ConnectTimeout:       10 * time.Second,
		ReconnectWait:        2 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// StreamSubjects returns the subjects captured by the stream
func (c *Config) StreamSubjects() []string {
	return []string{SubjectPrefix + ".>"}
}

// Validate validates the event bus configuration. Zero timeouts take defaults.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.URL == "" {
		return fmt.Errorf("NATS URL is required")
	}

	if c.StreamName == "" {
		return fmt.Errorf("NATS stream name is required")
	}

	if c.MaxAge <= 0 {
		return fmt.Errorf("NATS max age must be positive")
	}

	if c.MaxBytes <= 0 {
		return fmt.Errorf("NATS max bytes must be positive")
	}

	if c.MaxMsgs <= 0 {
		return fmt.Errorf("NATS max messages must be positive")
	}

	if c.Replicas < 1 {
		return fmt.Errorf("NATS replicas must be at least 1")
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}

	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}

	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 10
	}

	return nil
}

// NewEventBusFromConfig creates an event bus based on configuration. A
// disabled configuration yields a NopEventBus.
func NewEventBusFromConfig(config *Config, logger *zap.Logger) (EventBus, error) {
	if config == nil || !config.Enabled {
		return NopEventBus{}, nil
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event bus configuration: %w", err)
	}

	return NewNATSEventBus(config, logger)
}
