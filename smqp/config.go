package smqp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/israelio/smqp-go-client/internal/transport"
)

// Config is the file form of the factory settings. Durations are strings
// accepted by time.ParseDuration. Zero values keep the factory defaults.
type Config struct {
	Endpoints           []string `yaml:"endpoints" toml:"endpoints"`
	Username            string   `yaml:"username" toml:"username"`
	Password            string   `yaml:"password" toml:"password"`
	ClientID            string   `yaml:"client_id" toml:"client_id"`
	ConnectionTimeout   string   `yaml:"connection_timeout" toml:"connection_timeout"`
	RequestTimeout      string   `yaml:"request_timeout" toml:"request_timeout"`
	SessionCloseTimeout string   `yaml:"session_close_timeout" toml:"session_close_timeout"`
	LogLevel            string   `yaml:"log_level" toml:"log_level"`

	Reconnect  ReconnectConfig  `yaml:"reconnect" toml:"reconnect"`
	Keepalive  KeepaliveConfig  `yaml:"keepalive" toml:"keepalive"`
	Consumer   ConsumerConfig   `yaml:"consumer" toml:"consumer"`
	Producer   ProducerConfig   `yaml:"producer" toml:"producer"`
	Duplicates DuplicatesConfig `yaml:"duplicates" toml:"duplicates"`
	Frame      FrameConfig      `yaml:"frame" toml:"frame"`
}

type ReconnectConfig struct {
	Enabled      *bool  `yaml:"enabled" toml:"enabled"`
	MaxRetries   int    `yaml:"max_retries" toml:"max_retries"`
	InitialDelay string `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     string `yaml:"max_delay" toml:"max_delay"`
}

type KeepaliveConfig struct {
	Interval      string `yaml:"interval" toml:"interval"`
	MissThreshold int    `yaml:"miss_threshold" toml:"miss_threshold"`
}

type ConsumerConfig struct {
	CacheSize   int `yaml:"cache_size" toml:"cache_size"`
	CacheSizeKB int `yaml:"cache_size_kb" toml:"cache_size_kb"`
}

type ProducerConfig struct {
	ReplyInterval int `yaml:"reply_interval" toml:"reply_interval"`
}

type DuplicatesConfig struct {
	Enabled *bool `yaml:"enabled" toml:"enabled"`
	Size    int   `yaml:"size" toml:"size"`
}

type FrameConfig struct {
	MaxBulkObjects    int    `yaml:"max_bulk_objects" toml:"max_bulk_objects"`
	MaxFrameSize      uint32 `yaml:"max_frame_size" toml:"max_frame_size"`
	CompressThreshold int    `yaml:"compress_threshold" toml:"compress_threshold"`
}

// LoadConfig reads a yaml (.yaml, .yml) or toml (.toml) file and validates it
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks endpoints, durations and the log level
func (c *Config) Validate() error {
	for _, s := range c.Endpoints {
		if _, err := transport.ParseEndpoint(s); err != nil {
			return fmt.Errorf("endpoint %q: %w", s, err)
		}
	}
	durations := map[string]string{
		"connection_timeout":      c.ConnectionTimeout,
		"request_timeout":         c.RequestTimeout,
		"session_close_timeout":   c.SessionCloseTimeout,
		"reconnect.initial_delay": c.Reconnect.InitialDelay,
		"reconnect.max_delay":     c.Reconnect.MaxDelay,
		"keepalive.interval":      c.Keepalive.Interval,
	}
	for name, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// WithConfig applies a loaded config. Values that fail Validate are skipped.
func WithConfig(c *Config) FactoryOption {
	return func(cf *ConnectionFactory) {
		if len(c.Endpoints) > 0 {
			var eps []Endpoint
			for _, s := range c.Endpoints {
				if ep, err := transport.ParseEndpoint(s); err == nil {
					eps = append(eps, ep)
				}
			}
			if len(eps) > 0 {
				cf.Endpoints = eps
			}
		}
		if c.Username != "" {
			cf.Username = c.Username
			cf.Password = c.Password
		}
		if c.ClientID != "" {
			cf.ClientID = c.ClientID
		}

		setDuration(&cf.ConnectionTimeout, c.ConnectionTimeout)
		setDuration(&cf.RequestTimeout, c.RequestTimeout)
		setDuration(&cf.SessionCloseTimeout, c.SessionCloseTimeout)

		if lvl, err := zerolog.ParseLevel(c.LogLevel); err == nil && c.LogLevel != "" {
			cf.Logger = cf.Logger.Level(lvl)
		}

		if c.Reconnect.Enabled != nil {
			cf.Reconnect.Enabled = *c.Reconnect.Enabled
		}
		if c.Reconnect.MaxRetries > 0 {
			cf.Reconnect.MaxRetries = c.Reconnect.MaxRetries
		}
		setDuration(&cf.Reconnect.InitialDelay, c.Reconnect.InitialDelay)
		setDuration(&cf.Reconnect.MaxDelay, c.Reconnect.MaxDelay)

		setDuration(&cf.KeepaliveInterval, c.Keepalive.Interval)
		if c.Keepalive.MissThreshold > 0 {
			cf.KeepaliveMissThreshold = c.Keepalive.MissThreshold
		}

		if c.Consumer.CacheSize > 0 {
			cf.ConsumerCacheSize = c.Consumer.CacheSize
		}
		if c.Consumer.CacheSizeKB > 0 {
			cf.ConsumerCacheSizeKB = c.Consumer.CacheSizeKB
		}
		if c.Producer.ReplyInterval > 0 {
			cf.ProducerReplyInterval = c.Producer.ReplyInterval
		}

		if c.Duplicates.Enabled != nil {
			cf.DuplicateDetection = *c.Duplicates.Enabled
		}
		if c.Duplicates.Size > 0 {
			cf.DuplicateLogSize = c.Duplicates.Size
		}

		if c.Frame.MaxBulkObjects > 0 {
			cf.MaxBulkObjects = c.Frame.MaxBulkObjects
		}
		if c.Frame.MaxFrameSize > 0 {
			cf.MaxFrameSize = c.Frame.MaxFrameSize
		}
		if c.Frame.CompressThreshold > 0 {
			cf.CompressThreshold = c.Frame.CompressThreshold
		}
	}
}

func setDuration(dst *time.Duration, s string) {
	if d, err := parseDuration(s); err == nil && strings.TrimSpace(s) != "" {
		*dst = d
	}
}
