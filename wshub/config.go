package wshub

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitalvas/wsengine/websocket"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultPath              = "/ws"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMissedPongs       = 2
	DefaultMaxConnections    = 10000
	DefaultSendQueueSize     = 256
	DefaultSendQueueBytes    = 16 << 20
	DefaultReadBufferSize    = 4096
	DefaultWriteTimeout      = 10 * time.Second
	DefaultCloseTimeout      = 5 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
)

// Config holds the engine settings. It can be built in code or loaded from
// YAML with LoadConfig.
type Config struct {
	// Path is the URL path the example server mounts the engine on.
	Path string `yaml:"path"`

	// HeartbeatInterval is the ping period of the heartbeat monitor.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MissedPongs is the number of heartbeat intervals a connection may go
	// without a pong before it is closed with 1001.
	MissedPongs int `yaml:"missed_pongs"`

	// MaxConnections caps concurrently open connections. Accepts beyond it
	// are refused before the handshake.
	MaxConnections int `yaml:"max_connections"`

	// MaxPayloadBytes bounds a single frame and a reassembled message.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`

	// SendQueueSize bounds the frames waiting to be written per connection.
	SendQueueSize int `yaml:"send_queue_size"`

	// SendQueueBytes bounds the bytes waiting to be written per connection,
	// so memory held for a slow peer stays near this value regardless of
	// message size. One frame larger than the budget is still queued when
	// the queue is empty.
	SendQueueBytes int64 `yaml:"send_queue_bytes"`

	// FragmentSize splits outgoing messages into frames of at most this many
	// payload bytes. Zero sends every message as a single frame.
	FragmentSize int `yaml:"fragment_size"`

	// ReadBufferSize is the initial size of the per-connection read buffer.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// WriteTimeout bounds every socket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// CloseTimeout bounds how long a graceful close waits for the peer's
	// close frame.
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// HandshakeTimeout bounds writing the 101 response.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Subprotocols lists accepted subprotocols in order of preference.
	Subprotocols []string `yaml:"subprotocols"`

	// RateLimit throttles inbound messages per connection.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig defines the per-connection inbound token bucket.
type RateLimitConfig struct {
	// MessagesPerSecond is the refill rate. Zero disables rate limiting.
	MessagesPerSecond float64 `yaml:"messages_per_second"`

	// Burst is the bucket capacity. Defaults to MessagesPerSecond rounded up.
	Burst int `yaml:"burst"`
}

// Enabled reports whether inbound messages are rate limited.
func (c RateLimitConfig) Enabled() bool {
	return c.MessagesPerSecond > 0
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MissedPongs == 0 {
		c.MissedPongs = DefaultMissedPongs
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = websocket.DefaultMaxPayloadBytes
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.SendQueueBytes == 0 {
		c.SendQueueBytes = DefaultSendQueueBytes
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.RateLimit.Enabled() && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = int(c.RateLimit.MessagesPerSecond + 0.999)
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive, got %v", ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.MissedPongs < 1 {
		return fmt.Errorf("%w: missed_pongs must be at least 1, got %d", ErrInvalidConfig, c.MissedPongs)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max_connections must be positive, got %d", ErrInvalidConfig, c.MaxConnections)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("%w: max_payload_bytes must be positive, got %d", ErrInvalidConfig, c.MaxPayloadBytes)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("%w: send_queue_size must be positive, got %d", ErrInvalidConfig, c.SendQueueSize)
	}
	if c.SendQueueBytes <= 0 {
		return fmt.Errorf("%w: send_queue_bytes must be positive, got %d", ErrInvalidConfig, c.SendQueueBytes)
	}
	if c.FragmentSize < 0 {
		return fmt.Errorf("%w: fragment_size must not be negative, got %d", ErrInvalidConfig, c.FragmentSize)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("%w: read_buffer_size must be positive, got %d", ErrInvalidConfig, c.ReadBufferSize)
	}
	if c.WriteTimeout <= 0 || c.CloseTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.RateLimit.MessagesPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate_limit values must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ParseConfig decodes YAML into a Config, fills defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("wshub: parse config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("wshub: read config: %w", err)
	}
	return ParseConfig(data)
}
