package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.False(t, config.Enabled)
	assert.Equal(t, "nats://localhost:4222", config.URL)
	assert.Equal(t, "OSDEQ_EVENTS", config.StreamName)
	assert.Equal(t, []string{"osdeq.events.>"}, config.StreamSubjects())
	assert.Equal(t, 7*24*time.Hour, config.MaxAge)
	assert.Equal(t, int64(256*1024*1024), config.MaxBytes)
	assert.Equal(t, int64(1000000), config.MaxMsgs)
	assert.Equal(t, 1, config.Replicas)
	assert.Equal(t, 10*time.Second, config.ConnectTimeout)
	assert.Equal(t, 2*time.Second, config.ReconnectWait)
	assert.Equal(t, 10, config.MaxReconnectAttempts)
}

func TestConfig_Validate(t *testing.T) {
	enabled := func(mutate func(c *Config)) *Config {
		c := DefaultConfig()
		c.Enabled = true
		mutate(c)
		return c
	}

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "disabled config skips checks", config: &Config{}, wantErr: false},
		{name: "valid config", config: enabled(func(c *Config) {}), wantErr: false},
		{name: "empty URL", config: enabled(func(c *Config) { c.URL = "" }), wantErr: true},
		{name: "empty stream name", config: enabled(func(c *Config) { c.StreamName = "" }), wantErr: true},
		{name: "zero max age", config: enabled(func(c *Config) { c.MaxAge = 0 }), wantErr: true},
		{name: "zero max bytes", config: enabled(func(c *Config) { c.MaxBytes = 0 }), wantErr: true},
		{name: "zero max messages", config: enabled(func(c *Config) { c.MaxMsgs = 0 }), wantErr: true},
		{name: "zero replicas", config: enabled(func(c *Config) { c.Replicas = 0 }), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateFillsTimeouts(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = true
	config.ConnectTimeout = 0
	config.ReconnectWait = 0
	config.MaxReconnectAttempts = -1

	require.NoError(t, config.Validate())
	assert.Equal(t, 10*time.Second, config.ConnectTimeout)
	assert.Equal(t, 2*time.Second, config.ReconnectWait)
	assert.Equal(t, 10, config.MaxReconnectAttempts)
}

func TestNewEventBusFromConfig(t *testing.T) {
	logger := zaptest.NewLogger(t)

	bus, err := NewEventBusFromConfig(DefaultConfig(), logger)
	require.NoError(t, err)
	assert.IsType(t, NopEventBus{}, bus)

	bus, err = NewEventBusFromConfig(nil, logger)
	require.NoError(t, err)
	assert.IsType(t, NopEventBus{}, bus)

	invalid := DefaultConfig()
	invalid.Enabled = true
	invalid.URL = ""
	_, err = NewEventBusFromConfig(invalid, logger)
	assert.Error(t, err)
}
