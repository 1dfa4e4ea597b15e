package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dpolygon/climessaging/internal/protocol"
)

// MaxUsernameLength keeps a HELLO datagram inside the receive buffer
const MaxUsernameLength = protocol.MaxUsernameLength

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Liveness LivenessConfig `yaml:"liveness"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains UDP hub configuration
type ServerConfig struct {
	UDPPort      int    `yaml:"udp_port"`
	BindAddress  string `yaml:"bind_address"`
	BufferSize   int    `yaml:"buffer_size"`      // receive buffer per datagram, bytes
	QueueSize    int    `yaml:"queue_size"`       // capacity of each pipeline queue
	PollInterval int    `yaml:"poll_interval_ms"` // receive deadline, milliseconds
}

// ClientConfig contains chat client configuration
type ClientConfig struct {
	ServerHost      string `yaml:"server_host"`
	ServerPort      int    `yaml:"server_port"`
	Username        string `yaml:"username"`
	Echo            bool   `yaml:"echo"`
	StrictHandshake bool   `yaml:"strict_handshake"`
}

// LivenessConfig controls idle detection on both sides
type LivenessConfig struct {
	IdleTimeout   float64 `yaml:"idle_timeout"`   // seconds
	SweepInterval float64 `yaml:"sweep_interval"` // seconds
}

// HTTPConfig contains status API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration that passes Validate without a file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			UDPPort:      5000,
			BindAddress:  "0.0.0.0",
			BufferSize:   2048,
			QueueSize:    1024,
			PollInterval: 1000,
		},
		Client: ClientConfig{
			ServerPort:      5000,
			StrictHandshake: true,
		},
		Liveness: LivenessConfig{
			IdleTimeout:   300,
			SweepInterval: 2,
		},
		HTTP: HTTPConfig{
			Port:    9090,
			Address: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads and parses the configuration file on top of Default.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}

	if err := c.Liveness.Validate(); err != nil {
		return fmt.Errorf("liveness config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BufferSize < 512 {
		return fmt.Errorf("buffer_size must be at least 512 bytes, got %d", s.BufferSize)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	if s.PollInterval < 10 || s.PollInterval > 2000 {
		return fmt.Errorf("poll_interval_ms must be between 10 and 2000, got %d", s.PollInterval)
	}

	return nil
}

// Validate validates client configuration. Host and username may be left
// empty here and supplied interactively; see RequireEndpoint.
func (c *ClientConfig) Validate() error {
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port must be between 0 and 65535 (0 = ask), got %d", c.ServerPort)
	}

	if len(c.Username) > MaxUsernameLength {
		return fmt.Errorf("username must be at most %d bytes, got %d", MaxUsernameLength, len(c.Username))
	}

	return nil
}

// RequireEndpoint checks the fields a client needs before it can dial.
func (c *ClientConfig) RequireEndpoint() error {
	if c.ServerHost == "" {
		return fmt.Errorf("server_host cannot be empty")
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port must be between 1 and 65535, got %d", c.ServerPort)
	}

	if c.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	return c.Validate()
}

// Validate validates liveness configuration
func (l *LivenessConfig) Validate() error {
	if l.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %f", l.IdleTimeout)
	}

	if l.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %f", l.SweepInterval)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// anything other than stdout/stderr is treated as a file path
	return nil
}

// GetPollInterval returns the receive deadline as a time.Duration
func (s *ServerConfig) GetPollInterval() time.Duration {
	return time.Duration(s.PollInterval) * time.Millisecond
}

// Address returns the host:port the hub binds to
func (s *ServerConfig) Address() string {
	return net.JoinHostPort(s.BindAddress, strconv.Itoa(s.UDPPort))
}

// Address returns the host:port the client dials
func (c *ClientConfig) Address() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

// GetIdleTimeout returns the idle threshold as a time.Duration
func (l *LivenessConfig) GetIdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeout * float64(time.Second))
}

// GetSweepInterval returns the sweep period as a time.Duration
func (l *LivenessConfig) GetSweepInterval() time.Duration {
	return time.Duration(l.SweepInterval * float64(time.Second))
}
