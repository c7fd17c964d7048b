package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	// WHAT: A missing config file is not an error
	// WHY: Zero-config startup against a local broker should just work

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Brokers) == 0 {
		t.Error("defaults carry no brokers")
	}
	if cfg.RetryDelay != 500*time.Millisecond {
		t.Errorf("default retry-delay = %v, want 500ms", cfg.RetryDelay)
	}
}

func TestLoad_ParsesAndValidates(t *testing.T) {
	// WHAT: A valid YAML file round-trips into Config
	// WHY: Operators configure everything through this file

	path := filepath.Join(t.TempDir(), "producer.yaml")
	content := `
brokers:
  - "10.0.0.1:8080"
  - "10.0.0.2:8080"
client-key: "orders-service"
retry-delay: 250ms
request-timeout: 3s
probe-interval: 2s
log-level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Brokers) != 2 || cfg.Brokers[0] != "10.0.0.1:8080" {
		t.Errorf("brokers = %v", cfg.Brokers)
	}
	if cfg.ClientKey != "orders-service" {
		t.Errorf("client-key = %q", cfg.ClientKey)
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Errorf("retry-delay = %v", cfg.RetryDelay)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log-level = %q", cfg.LogLevel)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	// WHAT: Garbage YAML fails loudly
	// WHY: Silent fallback to defaults would mask operator typos

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("brokers: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed YAML loaded without error")
	}
}

func TestValidate_AccumulatesAllErrors(t *testing.T) {
	// WHAT: Every validation failure is reported in one pass
	// WHY: Operators should fix all problems at once, not one per restart

	cfg := &Config{
		Brokers:        []string{"not-an-address"},
		RetryDelay:     -1,
		RequestTimeout: 0,
		ProbeInterval:  0,
		MetricsAddr:    "also-bad",
		LogLevel:       "loud",
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config passed validation")
	}

	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(verr.Errors) < 6 {
		t.Errorf("accumulated %d errors, want at least 6:\n%v", len(verr.Errors), verr)
	}
	if !strings.Contains(verr.Error(), "log-level") {
		t.Errorf("message does not mention log-level: %v", verr)
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	// WHAT: The shipped defaults pass their own validation
	// WHY: Guards against defaults drifting out from under the validator

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
}
