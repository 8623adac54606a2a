package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/temscope/eventgw/internal/logging"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Limits    LimitsConfig    `yaml:"limits"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	Device    DeviceConfig    `yaml:"device"`
}

type ServerConfig struct {
	Host              string        `yaml:"host" env:"EVENTGW_HOST"`
	Port              int           `yaml:"port" env:"EVENTGW_PORT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"EVENTGW_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"EVENTGW_SHUTDOWN_TIMEOUT"`
}

type WebSocketConfig struct {
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"EVENTGW_WS_WRITE_TIMEOUT"`
	SendBuffer     int           `yaml:"send_buffer" env:"EVENTGW_WS_SEND_BUFFER"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"EVENTGW_WS_MAX_MESSAGE_SIZE"`
	MaxConnections int           `yaml:"max_connections" env:"EVENTGW_WS_MAX_CONNECTIONS"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type LimitsConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Overload  OverloadConfig  `yaml:"overload"`
}

type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled" env:"EVENTGW_RATE_LIMIT_ENABLED"`
	FillInterval time.Duration `yaml:"fill_interval" env:"EVENTGW_RATE_LIMIT_FILL_INTERVAL"`
	Capacity     int64         `yaml:"capacity" env:"EVENTGW_RATE_LIMIT_CAPACITY"`
}

type OverloadConfig struct {
	Enabled       bool          `yaml:"enabled" env:"EVENTGW_OVERLOAD_ENABLED"`
	Interval      time.Duration `yaml:"interval" env:"EVENTGW_OVERLOAD_INTERVAL"`
	MaxCPUPercent float64       `yaml:"max_cpu_percent" env:"EVENTGW_OVERLOAD_MAX_CPU"`
	MaxMemPercent float64       `yaml:"max_mem_percent" env:"EVENTGW_OVERLOAD_MAX_MEM"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"EVENTGW_METRICS_ENABLED"`
	Path    string `yaml:"path" env:"EVENTGW_METRICS_PATH"`
}

type LogConfig struct {
	Level    string `yaml:"level" env:"EVENTGW_LOG_LEVEL"`
	Encoding string `yaml:"encoding" env:"EVENTGW_LOG_ENCODING"`
}

type DeviceConfig struct {
	Mock bool `yaml:"mock" env:"EVENTGW_MOCK"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		WebSocket: WebSocketConfig{
			WriteTimeout:   10 * time.Second,
			SendBuffer:     64,
			MaxMessageSize: 1 << 20,
		},
		Limits: LimitsConfig{
			RateLimit: RateLimitConfig{
				FillInterval: 10 * time.Millisecond,
				Capacity:     100,
			},
			Overload: OverloadConfig{
				Interval:      10 * time.Second,
				MaxCPUPercent: 95,
				MaxMemPercent: 95,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:    logging.LevelInfo,
			Encoding: "console",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

// Load reads the YAML file at path over the defaults, then applies
// EVENTGW_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Load("")
	}
	return cfg, err
}

func applyEnv(cfg *Config) error {
	err := envdecode.Decode(cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ReadHeaderTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return errors.New("server timeouts must not be negative")
	}
	if c.WebSocket.WriteTimeout < 0 {
		return errors.New("websocket.write_timeout must not be negative")
	}
	if c.WebSocket.SendBuffer < 0 || c.WebSocket.MaxConnections < 0 || c.WebSocket.MaxMessageSize < 0 {
		return errors.New("websocket limits must not be negative")
	}
	if c.Limits.RateLimit.Enabled && (c.Limits.RateLimit.FillInterval <= 0 || c.Limits.RateLimit.Capacity <= 0) {
		return errors.New("limits.rate_limit needs a positive fill_interval and capacity")
	}
	if c.Limits.Overload.Enabled && c.Limits.Overload.Interval <= 0 {
		return errors.New("limits.overload.interval must be positive")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Encoding {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.encoding %q: want console or json", c.Log.Encoding)
	}
	return nil
}

// Addr returns the listen address host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
