package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the room server binary.
type ServerConfig struct {
	Addr            string
	PingInterval    time.Duration
	IdleRoomTimeout time.Duration
	SweepInterval   time.Duration
}

// UnmarshalYAML accepts durations in time.ParseDuration notation ("30s",
// "10m"). Absent keys leave the current value untouched.
func (c *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Addr            string `yaml:"addr"`
		PingInterval    string `yaml:"ping_interval"`
		IdleRoomTimeout string `yaml:"idle_room_timeout"`
		SweepInterval   string `yaml:"sweep_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Addr != "" {
		c.Addr = raw.Addr
	}
	if err := parseDuration(raw.PingInterval, &c.PingInterval); err != nil {
		return fmt.Errorf("ping_interval: %w", err)
	}
	if err := parseDuration(raw.IdleRoomTimeout, &c.IdleRoomTimeout); err != nil {
		return fmt.Errorf("idle_room_timeout: %w", err)
	}
	if err := parseDuration(raw.SweepInterval, &c.SweepInterval); err != nil {
		return fmt.Errorf("sweep_interval: %w", err)
	}
	return nil
}

// ClientConfig configures the terminal client binary.
type ClientConfig struct {
	ServerURL         string
	ReconcileDeadline time.Duration
}

func (c *ClientConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ServerURL         string `yaml:"server_url"`
		ReconcileDeadline string `yaml:"reconcile_deadline"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.ServerURL != "" {
		c.ServerURL = raw.ServerURL
	}
	if err := parseDuration(raw.ReconcileDeadline, &c.ReconcileDeadline); err != nil {
		return fmt.Errorf("reconcile_deadline: %w", err)
	}
	return nil
}

func parseDuration(s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// Config is the root configuration document.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Server   ServerConfig `yaml:"server"`
	Client   ClientConfig `yaml:"client"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":8000",
			PingInterval:    30 * time.Second,
			IdleRoomTimeout: 60 * time.Minute,
			SweepInterval:   time.Minute,
		},
		Client: ClientConfig{
			ServerURL:         "ws://localhost:8000/ws",
			ReconcileDeadline: time.Second,
		},
	}
}

// Load reads an optional YAML file over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.LogLevel = getEnv("QUEMSOUEU_LOG_LEVEL", cfg.LogLevel)
	cfg.Server.Addr = getEnv("QUEMSOUEU_ADDR", cfg.Server.Addr)
	cfg.Server.PingInterval = getEnvAsDuration("QUEMSOUEU_PING_INTERVAL", cfg.Server.PingInterval)
	cfg.Server.IdleRoomTimeout = getEnvAsDuration("QUEMSOUEU_IDLE_ROOM_TIMEOUT", cfg.Server.IdleRoomTimeout)
	cfg.Server.SweepInterval = getEnvAsDuration("QUEMSOUEU_SWEEP_INTERVAL", cfg.Server.SweepInterval)
	cfg.Client.ServerURL = getEnv("QUEMSOUEU_SERVER_URL", cfg.Client.ServerURL)
	cfg.Client.ReconcileDeadline = getEnvAsDuration("QUEMSOUEU_RECONCILE_DEADLINE", cfg.Client.ReconcileDeadline)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
