// Package config loads the daemon configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	Bluetooth  BluetoothConfig `yaml:"bluetooth"`
	Link       LinkConfig      `yaml:"link"`
	Control    ControlConfig   `yaml:"control"`
	Settings   SettingsConfig  `yaml:"settings"`
	Network    NetworkConfig   `yaml:"network"`
	LogFile    string          `yaml:"log_file"`
}

// BluetoothConfig selects the adapter and the serial transport.
type BluetoothConfig struct {
	Adapter       string `yaml:"adapter"`
	Transport     string `yaml:"transport"`
	RFCOMMChannel int    `yaml:"rfcomm_channel"`
	PinCode       string `yaml:"pin_code"`
}

// LinkConfig tunes the connection lifecycle.
type LinkConfig struct {
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepAliveChar     string        `yaml:"keepalive_char"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// ControlConfig tunes the command send path.
type ControlConfig struct {
	MaxCommandsPerSecond int           `yaml:"max_commands_per_second"`
	BurstSize            int           `yaml:"burst_size"`
	MinSendGap           time.Duration `yaml:"min_send_gap"`
}

type SettingsConfig struct {
	Path string `yaml:"path"`
}

type NetworkConfig struct {
	CheckHost string `yaml:"check_host"`
	Interface string `yaml:"interface"`
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every field at its default value.
// Used when the daemon runs without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}
