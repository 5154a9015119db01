package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads YAML file and parses it into Config struct
func LoadConfig(filepath string) (*Config, error) {
	// Read file
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// applyDefaults fills unset timing and metrics fields
func applyDefaults(config *Config) {
	if config.Timing.ConnectedInterval == 0 {
		config.Timing.ConnectedInterval = 30
	}
	if config.Timing.DisconnectedInterval == 0 {
		config.Timing.DisconnectedInterval = 5
	}
	if config.Timing.BackoffBaseMs == 0 {
		config.Timing.BackoffBaseMs = 1000
	}
	if config.Timing.BackoffCapMs == 0 {
		config.Timing.BackoffCapMs = 60000
	}
	if config.Timing.ProbeTimeout == 0 {
		config.Timing.ProbeTimeout = 5
	}
	if config.Timing.ChannelBackoffBaseMs == 0 {
		config.Timing.ChannelBackoffBaseMs = 1000
	}
	if config.Timing.ChannelBackoffCapMs == 0 {
		config.Timing.ChannelBackoffCapMs = 15000
	}
	if config.Timing.KeepAliveInterval == 0 {
		config.Timing.KeepAliveInterval = 30
	}
	if config.Metrics.Listen == "" {
		config.Metrics.Listen = ":9090"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}
