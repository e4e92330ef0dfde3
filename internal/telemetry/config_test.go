package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recall/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "recall", cfg.ServiceName)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 15*time.Second, cfg.MetricsInterval)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	enabled := func(mut func(*Config)) *Config {
		c := NewDefaultConfig()
		c.Enabled = true
		mut(c)
		return c
	}

	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{name: "enabled defaults", config: enabled(func(*Config) {})},
		{name: "disabled skips validation", config: &Config{}},
		{name: "missing endpoint", config: enabled(func(c *Config) { c.Endpoint = "" }), wantErr: "endpoint is required"},
		{name: "missing service name", config: enabled(func(c *Config) { c.ServiceName = "" }), wantErr: "service_name is required"},
		{name: "unknown protocol", config: enabled(func(c *Config) { c.Protocol = "thrift" }), wantErr: "protocol must be"},
		{name: "http protocol", config: enabled(func(c *Config) { c.Protocol = ProtocolHTTP; c.Endpoint = "http://127.0.0.1:4318" })},
		{name: "insecure remote", config: enabled(func(c *Config) { c.Endpoint = "collector.example.com:4317" }), wantErr: "insecure export"},
		{name: "secure remote", config: enabled(func(c *Config) { c.Endpoint = "collector.example.com:4317"; c.Insecure = false })},
		{name: "sample rate above one", config: enabled(func(c *Config) { c.SampleRate = 1.5 }), wantErr: "sample_rate"},
		{name: "negative sample rate", config: enabled(func(c *Config) { c.SampleRate = -0.1 }), wantErr: "sample_rate"},
		{name: "zero sample rate", config: enabled(func(c *Config) { c.SampleRate = 0 })},
		{name: "negative metrics interval", config: enabled(func(c *Config) { c.MetricsInterval = -time.Second }), wantErr: "metrics interval"},
		{name: "zero shutdown timeout", config: enabled(func(c *Config) { c.ShutdownTimeout = 0 }), wantErr: "shutdown timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_IsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"localhost:4317", true},
		{"127.0.0.1:4317", true},
		{"[::1]:4317", true},
		{"http://localhost:4318", true},
		{"https://127.0.0.1:4318", true},
		{"localhost", true},
		{"10.0.0.5:4317", false},
		{"otel.example.com:4317", false},
		{"localhost.example.com:4317", false},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			c := &Config{Endpoint: tt.endpoint}
			assert.Equal(t, tt.want, c.isLocalEndpoint())
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.TelemetryConfig{
		Enabled:    true,
		Endpoint:   "127.0.0.1:4318",
		Protocol:   ProtocolHTTP,
		Insecure:   true,
		SampleRate: 0.5,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "127.0.0.1:4318", cfg.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "recall", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, 0.5, cfg.SampleRate)
	require.NoError(t, cfg.Validate())
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	assert.Equal(t, "localhost:4318", stripScheme("https://localhost:4318"))
	assert.Equal(t, "localhost:4317", stripScheme("localhost:4317"))
}
