// Package config loads and validates the bridge configuration from YAML
// files and defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ailens/ailens-bridge/pkg/bridge"
	"github.com/ailens/ailens-bridge/pkg/logging"
)

// Config is the full bridge configuration.
type Config struct {
	// Ingest is the unix socket path the interception layer writes flow
	// records to. Empty selects stdin mode.
	Ingest IngestConfig `yaml:"ingest"`

	// Sensor configures the delivery channel to the downstream sensor.
	Sensor SensorConfig `yaml:"sensor"`

	// Rules configures bundle loading.
	Rules RulesConfig `yaml:"rules"`

	// Output optionally mirrors events to a local JSONL file.
	Output OutputConfig `yaml:"output"`

	// Webhook optionally forwards event batches over HTTP.
	Webhook WebhookConfig `yaml:"webhook"`

	// Admin configures the local health/metrics endpoint.
	Admin AdminConfig `yaml:"admin"`

	// Tracing configures optional OTLP span export.
	Tracing bridge.TracingConfig `yaml:"tracing"`

	// Logging configures the process logger.
	Logging logging.Config `yaml:"logging"`
}

// IngestConfig selects where flow records come from.
type IngestConfig struct {
	// SocketPath of the ingest listener. Ignored when Stdin is true.
	SocketPath string `yaml:"socketPath"`

	// Stdin reads flow records from standard input instead.
	Stdin bool `yaml:"stdin"`
}

// SensorConfig configures the socket sink.
type SensorConfig struct {
	SocketPath   string        `yaml:"socketPath"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`

	// Disabled turns the sensor sink off, e.g. when only the file sink
	// is wanted.
	Disabled bool `yaml:"disabled"`
}

// RulesConfig configures rule bundle loading.
type RulesConfig struct {
	// BundlePath overrides the default probe locations.
	BundlePath string `yaml:"bundlePath"`

	// Watch reloads the rule set when the bundle file changes.
	Watch bool `yaml:"watch"`
}

// OutputConfig configures the JSONL file sink.
type OutputConfig struct {
	Path      string `yaml:"path"`
	Append    bool   `yaml:"append"`
	FlushEach bool   `yaml:"flushEach"`
}

// WebhookConfig configures the webhook sink.
type WebhookConfig struct {
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	Timeout       time.Duration     `yaml:"timeout"`
	MaxBatchSize  int               `yaml:"maxBatchSize"`
	FlushInterval time.Duration     `yaml:"flushInterval"`
	QueueSize     int               `yaml:"queueSize"`
}

// AdminConfig configures the health/metrics listener.
type AdminConfig struct {
	// Addr to listen on; empty disables the admin server.
	Addr string `yaml:"addr"`

	// Metrics enables the Prometheus registry and /metrics endpoint.
	Metrics bool `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Ingest: IngestConfig{
			SocketPath: "/tmp/ailens-ingest.sock",
		},
		Sensor: SensorConfig{
			SocketPath:   "/tmp/ailens.sock",
			DialTimeout:  2 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Output: OutputConfig{
			Append:    true,
			FlushEach: true,
		},
		Admin: AdminConfig{
			Addr:    "127.0.0.1:9321",
			Metrics: true,
		},
		Logging: logging.Config{
			Level: "info",
		},
	}
}

// LoadFile parses a YAML config file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if !c.Ingest.Stdin && c.Ingest.SocketPath == "" {
		return fmt.Errorf("ingest requires a socket path or stdin mode")
	}
	if c.Sensor.Disabled && c.Output.Path == "" && c.Webhook.URL == "" {
		return fmt.Errorf("no event destination configured: sensor disabled and no output file or webhook")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing enabled without an endpoint")
	}
	return nil
}
