package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerAddr      = "127.0.0.1:8901"
	DefaultLocalAddr       = "127.0.0.1:0"
	DefaultBufferSize      = 61440
	DefaultMTU             = 1492
	DefaultPayloadPoolSize = 16
)

// ReconnectConfig is the client redial policy.
type ReconnectConfig struct {
	Enabled           bool     `yaml:"enabled" toml:"enabled"`
	MaxRetries        int      `yaml:"max_retries" toml:"max_retries"` // -1 retries forever
	InitialBackoff    Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff        Duration `yaml:"max_backoff" toml:"max_backoff"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
}

type Config struct {
	LocalAddr       string          `yaml:"local_addr" toml:"local_addr"`
	ServerAddr      string          `yaml:"server_addr" toml:"server_addr"`
	Conversation    uint32          `yaml:"conversation" toml:"conversation"` // 0 picks a random one
	MTU             int             `yaml:"mtu" toml:"mtu"`
	BufferSize      int             `yaml:"buffer_size" toml:"buffer_size"`
	PayloadPoolSize int             `yaml:"payload_pool_size" toml:"payload_pool_size"`
	PoolDebug       bool            `yaml:"pool_debug" toml:"pool_debug"`
	Keepalive       bool            `yaml:"keepalive" toml:"keepalive"`
	PacketLossRate  float64         `yaml:"packet_loss_rate" toml:"packet_loss_rate"`
	TraceFile       string          `yaml:"trace_file" toml:"trace_file"`
	LogLevel        string          `yaml:"log_level" toml:"log_level"`
	Reconnect       ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
}

func DefaultConfig() *Config {
	return &Config{
		LocalAddr:       DefaultLocalAddr,
		ServerAddr:      DefaultServerAddr,
		MTU:             DefaultMTU,
		BufferSize:      DefaultBufferSize,
		PayloadPoolSize: DefaultPayloadPoolSize,
		LogLevel:        "info",
		Reconnect: ReconnectConfig{
			Enabled:           false,
			MaxRetries:        10,
			InitialBackoff:    Duration(100 * time.Millisecond),
			MaxBackoff:        Duration(30 * time.Second),
			BackoffMultiplier: 2.0,
		},
	}
}

// LoadConfig reads a YAML or TOML file, picked by extension, on top of
// DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, errors.Errorf("config: unsupported file type %q", ext)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BufferSize <= 0 || c.BufferSize > 65535 {
		return errors.Errorf("config: buffer_size %d out of range (1..65535)", c.BufferSize)
	}
	if c.MTU != 0 && (c.MTU < 68 || c.MTU > 65535) {
		return errors.Errorf("config: mtu %d out of range (68..65535)", c.MTU)
	}
	if c.PacketLossRate < 0 || c.PacketLossRate >= 1 {
		return errors.Errorf("config: packet_loss_rate %v out of range [0, 1)", c.PacketLossRate)
	}
	if c.PayloadPoolSize <= 0 {
		return errors.Errorf("config: payload_pool_size must be positive")
	}
	if c.Reconnect.BackoffMultiplier < 1 {
		return errors.Errorf("config: reconnect.backoff_multiplier must be at least 1")
	}
	return nil
}

// ApplyLogLevel sets the global logrus level from LogLevel.
func (c *Config) ApplyLogLevel() error {
	if c.LogLevel == "" {
		return nil
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return errors.Wrap(err, "config: log_level")
	}
	log.SetLevel(level)
	return nil
}

// Duration is a time.Duration written as "250ms" or "30s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
