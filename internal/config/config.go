package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// PRODUCER CONFIGURATION
// =============================================================================
//
// One YAML file describes a producer session: which brokers to talk to, who
// this producer claims to be (the client key that drives epoch bumps), and
// the timing knobs for acquisition and probing.
//
// Example:
//
//   brokers:
//     - "127.0.0.1:8080"
//     - "127.0.0.1:8081"
//   client-key: "orders-service"
//   retry-delay: 500ms
//   request-timeout: 5s
//   probe-interval: 1s
//   metrics-addr: ":9121"
//   log-level: "info"
//
// =============================================================================

// Config is the full producer configuration.
type Config struct {
	// Brokers is the list of broker addresses (host:port).
	Brokers []string `yaml:"brokers"`

	// ClientKey identifies this producer to the broker's identifier
	// allocator. Producers sharing a key fence each other via epoch
	// bumps; leave empty to have the CLI generate a unique one.
	ClientKey string `yaml:"client-key"`

	// RetryDelay is the fixed delay between identifier acquisition
	// attempts.
	RetryDelay time.Duration `yaml:"retry-delay"`

	// RequestTimeout bounds each broker HTTP request.
	RequestTimeout time.Duration `yaml:"request-timeout"`

	// ProbeInterval is how often down connections are re-probed.
	ProbeInterval time.Duration `yaml:"probe-interval"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics-addr,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log-level"`
}

// DefaultConfig returns a configuration suitable for a local broker.
func DefaultConfig() *Config {
	return &Config{
		Brokers:        []string{"127.0.0.1:8080"},
		RetryDelay:     500 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
		ProbeInterval:  time.Second,
		LogLevel:       "info",
	}
}

// Load reads and validates a configuration file. A missing file yields the
// defaults; a present but invalid file is an error.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
