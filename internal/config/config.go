package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qryptonic/qstrike-stream/internal/protocol"
	"github.com/qryptonic/qstrike-stream/internal/stream"
)

// Environment variables that override credentials from the file.
const (
	EnvToken     = "QSTRIKE_TOKEN"
	EnvJWTSecret = "QSTRIKE_JWT_SECRET"
)

type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Gateway GatewayConfig `yaml:"gateway"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ClientConfig struct {
	BaseURL              string        `yaml:"base_url"`
	Token                string        `yaml:"token"`
	AckThreshold         int           `yaml:"ack_threshold"`
	ServerPauseThreshold int           `yaml:"server_pause_threshold"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	AuthGrace            time.Duration `yaml:"auth_grace"`
	Backoff              BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxRetries   int           `yaml:"max_retries"`
	HealthyAfter time.Duration `yaml:"healthy_after"`
	Jitter       float64       `yaml:"jitter"`
}

type GatewayConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	JWTSecret      string        `yaml:"jwt_secret"`
	PauseThreshold int           `yaml:"pause_threshold"`
	QueueSize      int           `yaml:"queue_size"`
	ReplayDelay    time.Duration `yaml:"replay_delay"`
	Source         string        `yaml:"source"`
	Mock           MockConfig    `yaml:"mock"`
	Kafka          KafkaConfig   `yaml:"kafka"`
	Redis          RedisConfig   `yaml:"redis"`
}

type MockConfig struct {
	Jobs     int           `yaml:"jobs"`
	Tenant   string        `yaml:"tenant"`
	Interval time.Duration `yaml:"interval"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Group   string   `yaml:"group"`
	// TenantHeader names the record header carrying the owning tenant.
	TenantHeader string `yaml:"tenant_header"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	DB     int    `yaml:"db"`
	MaxLen int64  `yaml:"max_len"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func defaultConfig() *Config {
	sc := stream.DefaultConfig(stream.Endpoint{})
	return &Config{
		Client: ClientConfig{
			BaseURL:              "ws://127.0.0.1:8080",
			AckThreshold:         sc.AckThreshold,
			ServerPauseThreshold: sc.ServerPauseThreshold,
			PingInterval:         sc.PingInterval,
			PongTimeout:          sc.PongTimeout,
			WriteTimeout:         sc.WriteTimeout,
			HandshakeTimeout:     sc.HandshakeTimeout,
			AuthGrace:            sc.AuthGrace,
			Backoff: BackoffConfig{
				BaseDelay:    sc.Backoff.BaseDelay,
				MaxDelay:     sc.Backoff.MaxDelay,
				MaxRetries:   sc.Backoff.MaxRetries,
				HealthyAfter: sc.Backoff.HealthyAfter,
			},
		},
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			PauseThreshold: protocol.DefaultPauseThreshold,
			QueueSize:      1024,
			ReplayDelay:    30 * time.Second,
			Source:         "mock",
			Mock: MockConfig{
				Jobs:     3,
				Tenant:   "demo",
				Interval: 250 * time.Millisecond,
			},
			Kafka: KafkaConfig{
				Topic:        "qstrike.events",
				Group:        "qstrike-gateway",
				TenantHeader: "tenant_id",
			},
			Redis: RedisConfig{
				MaxLen: 100000,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Default returns the built-in configuration with environment overrides.
func Default() *Config {
	cfg := defaultConfig()
	cfg.applyEnv()
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvToken)); v != "" {
		c.Client.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		c.Gateway.JWTSecret = v
	}
}

func (c *Config) Validate() error {
	if c.Client.AckThreshold < 1 {
		return fmt.Errorf("client.ack_threshold must be positive, got %d", c.Client.AckThreshold)
	}
	if c.Client.Backoff.MaxDelay < c.Client.Backoff.BaseDelay {
		return fmt.Errorf("client.backoff.max_delay %v below base_delay %v",
			c.Client.Backoff.MaxDelay, c.Client.Backoff.BaseDelay)
	}
	if c.Client.Backoff.MaxRetries < -1 {
		return fmt.Errorf("client.backoff.max_retries must be -1 or more, got %d", c.Client.Backoff.MaxRetries)
	}
	if j := c.Client.Backoff.Jitter; j < 0 || j > 1 {
		return fmt.Errorf("client.backoff.jitter must be within [0, 1], got %v", j)
	}
	if c.Gateway.PauseThreshold < 1 {
		return fmt.Errorf("gateway.pause_threshold must be positive, got %d", c.Gateway.PauseThreshold)
	}
	switch c.Gateway.Source {
	case "mock":
	case "kafka":
		if len(c.Gateway.Kafka.Brokers) == 0 {
			return errors.New("gateway.kafka.brokers required for kafka source")
		}
	default:
		return fmt.Errorf("gateway.source %q: want mock or kafka", c.Gateway.Source)
	}
	return nil
}

// Addr returns the gateway listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// Stream builds the client configuration for endpoint.
func (c ClientConfig) Stream(endpoint stream.Endpoint) stream.Config {
	return stream.Config{
		Endpoint:             endpoint,
		AckThreshold:         c.AckThreshold,
		ServerPauseThreshold: c.ServerPauseThreshold,
		PingInterval:         c.PingInterval,
		PongTimeout:          c.PongTimeout,
		WriteTimeout:         c.WriteTimeout,
		HandshakeTimeout:     c.HandshakeTimeout,
		AuthGrace:            c.AuthGrace,
		Backoff: stream.BackoffConfig{
			BaseDelay:    c.Backoff.BaseDelay,
			MaxDelay:     c.Backoff.MaxDelay,
			MaxRetries:   c.Backoff.MaxRetries,
			HealthyAfter: c.Backoff.HealthyAfter,
			JitterFactor: c.Backoff.Jitter,
		},
	}
}
