// Package config holds the adapter configuration: UDP ports and multicast
// group for the ip transport, queue and buffer bounds, and logging.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Zero values are filled in from
// the default tags by Default and Load.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// ip transport
	UnicastPort    int    `yaml:"unicast_port" default:"5383"`
	MulticastAddr  string `yaml:"multicast_addr" default:"224.0.1.187"`
	MulticastPort  int    `yaml:"multicast_port" default:"5683"`
	RecvBufferSize int    `yaml:"recv_buffer_size" default:"512"`

	// queue and buffer bounds shared by all transports
	SendQueueCapacity    int `yaml:"send_queue_capacity" default:"128"`
	ReceiveQueueCapacity int `yaml:"receive_queue_capacity" default:"128"`
	PendingCapacity      int `yaml:"pending_capacity" default:"32"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	ScanDuration   time.Duration `yaml:"scan_duration" default:"10s"`
}

// Default returns the configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file. Fields absent from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// UnmarshalYAML decodes the config, accepting human-readable duration
// strings ("30s") which the YAML decoder does not handle for
// time.Duration natively. Absent keys leave the current values in place.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		LogLevel             *string `yaml:"log_level"`
		UnicastPort          *int    `yaml:"unicast_port"`
		MulticastAddr        *string `yaml:"multicast_addr"`
		MulticastPort        *int    `yaml:"multicast_port"`
		RecvBufferSize       *int    `yaml:"recv_buffer_size"`
		SendQueueCapacity    *int    `yaml:"send_queue_capacity"`
		ReceiveQueueCapacity *int    `yaml:"receive_queue_capacity"`
		PendingCapacity      *int    `yaml:"pending_capacity"`
		ConnectTimeout       *string `yaml:"connect_timeout"`
		ScanDuration         *string `yaml:"scan_duration"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", *src, err)
		}
		*dst = d
		return nil
	}

	setString(&c.LogLevel, raw.LogLevel)
	setInt(&c.UnicastPort, raw.UnicastPort)
	setString(&c.MulticastAddr, raw.MulticastAddr)
	setInt(&c.MulticastPort, raw.MulticastPort)
	setInt(&c.RecvBufferSize, raw.RecvBufferSize)
	setInt(&c.SendQueueCapacity, raw.SendQueueCapacity)
	setInt(&c.ReceiveQueueCapacity, raw.ReceiveQueueCapacity)
	setInt(&c.PendingCapacity, raw.PendingCapacity)
	if err := setDuration(&c.ConnectTimeout, raw.ConnectTimeout); err != nil {
		return err
	}
	return setDuration(&c.ScanDuration, raw.ScanDuration)
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
