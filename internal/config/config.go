package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config represents the supervisor configuration
type Config struct {
	Service  ServiceConfig `yaml:"service"`  // Remote service endpoints
	Timing   TimingConfig  `yaml:"timing"`   // Probe and backoff timing
	Metrics  MetricsConfig `yaml:"metrics"`  // Prometheus endpoint
	LogLevel string        `yaml:"log_level"` // debug|info|warn|error
}

// ServiceConfig names the two endpoints of the tracked service
type ServiceConfig struct {
	HealthURL  string `yaml:"health_url"`  // Liveness endpoint (http/https)
	ChannelURL string `yaml:"channel_url"` // Push-channel endpoint (ws/wss)
}

// TimingConfig holds the supervisor's timing constants
type TimingConfig struct {
	ConnectedInterval    int `yaml:"connected_interval"`     // Seconds between checks while connected
	DisconnectedInterval int `yaml:"disconnected_interval"`  // Seconds between checks while degraded
	BackoffBaseMs        int `yaml:"backoff_base_ms"`        // Full-attempt backoff base
	BackoffCapMs         int `yaml:"backoff_cap_ms"`         // Full-attempt backoff cap
	ProbeTimeout         int `yaml:"probe_timeout"`          // Probe/handshake timeout in seconds
	ChannelBackoffBaseMs int `yaml:"channel_backoff_base_ms"` // Channel-only backoff base
	ChannelBackoffCapMs  int `yaml:"channel_backoff_cap_ms"` // Channel-only backoff cap
	KeepAliveInterval    int `yaml:"keepalive_interval"`     // Seconds between channel pings
}

// TimingDurations is TimingConfig with each field's unit applied
type TimingDurations struct {
	ConnectedInterval    time.Duration
	DisconnectedInterval time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	ProbeTimeout         time.Duration
	ChannelBackoffBase   time.Duration
	ChannelBackoffCap    time.Duration
	KeepAliveInterval    time.Duration
}

// Durations converts the file representation (interval fields in seconds,
// backoff fields in milliseconds) into durations
func (t TimingConfig) Durations() TimingDurations {
	return TimingDurations{
		ConnectedInterval:    time.Duration(t.ConnectedInterval) * time.Second,
		DisconnectedInterval: time.Duration(t.DisconnectedInterval) * time.Second,
		BackoffBase:          time.Duration(t.BackoffBaseMs) * time.Millisecond,
		BackoffCap:           time.Duration(t.BackoffCapMs) * time.Millisecond,
		ProbeTimeout:         time.Duration(t.ProbeTimeout) * time.Second,
		ChannelBackoffBase:   time.Duration(t.ChannelBackoffBaseMs) * time.Millisecond,
		ChannelBackoffCap:    time.Duration(t.ChannelBackoffCapMs) * time.Millisecond,
		KeepAliveInterval:    time.Duration(t.KeepAliveInterval) * time.Second,
	}
}

// MetricsConfig defines the Prometheus exposition endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port for /metrics
}

// Validate checks that the configured endpoints are usable
func (c *Config) Validate() error {
	if c.Service.HealthURL == "" {
		return fmt.Errorf("service.health_url is required")
	}
	u, err := url.Parse(c.Service.HealthURL)
	if err != nil {
		return fmt.Errorf("invalid service.health_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("service.health_url must be http or https, got %q", u.Scheme)
	}

	if c.Service.ChannelURL == "" {
		return fmt.Errorf("service.channel_url is required")
	}
	u, err = url.Parse(c.Service.ChannelURL)
	if err != nil {
		return fmt.Errorf("invalid service.channel_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("service.channel_url must be ws or wss, got %q", u.Scheme)
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}

	return nil
}
