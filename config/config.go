package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/qvcloud/amq"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Logging LogConfig     `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type BrokerConfig struct {
	Transport    string `yaml:"transport"` // empty = detect from uri
	URI          string `yaml:"uri"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Destination  string `yaml:"destination"`
	Pipeline     string `yaml:"pipeline"`      // queue or topic
	DeliveryMode string `yaml:"delivery_mode"` // persistent or non_persistent
	Transacted   bool   `yaml:"transacted"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Encoding string `yaml:"encoding"` // json or console
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads the configuration file at path. ${VAR} references are expanded
// from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Broker.Pipeline == "" {
		c.Broker.Pipeline = "queue"
	}
	if c.Broker.DeliveryMode == "" {
		c.Broker.DeliveryMode = "persistent"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "console"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the enumerated fields. Broker address and destination are
// left to the Instance, which reports them as structured errors.
func (c *Config) Validate() error {
	if _, err := c.Broker.InstanceConfig(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", c.Logging.Encoding)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/': %s", c.Metrics.Path)
	}
	return nil
}

// InstanceConfig converts the broker section to an amq.Config.
func (b BrokerConfig) InstanceConfig() (amq.Config, error) {
	pipeline, err := amq.ParsePipelineKind(b.Pipeline)
	if err != nil {
		return amq.Config{}, err
	}
	mode, err := amq.ParseDeliveryMode(b.DeliveryMode)
	if err != nil {
		return amq.Config{}, err
	}
	return amq.Config{
		BrokerURI:    b.URI,
		Username:     b.Username,
		Password:     b.Password,
		Destination:  b.Destination,
		Pipeline:     pipeline,
		DeliveryMode: mode,
		Transacted:   b.Transacted,
	}, nil
}
