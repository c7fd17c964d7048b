package config

import (
	"fmt"
	"net"
	"strings"
)

// =============================================================================
// CONFIG VALIDATION
// =============================================================================
//
// PATTERN: ACCUMULATE ERRORS
// All validation failures are collected and returned together so the
// operator can fix everything in one pass instead of playing whack-a-mole
// with one error per restart.
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

// Error formats all validation errors, as a numbered list when there is
// more than one.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks the configuration and returns a *ValidationError listing
// every problem found, or nil.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Brokers) == 0 {
		errs = append(errs, "brokers: at least one broker address is required")
	}
	for i, addr := range c.Brokers {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("brokers[%d]: %q is not a valid host:port address", i, addr))
		}
	}

	if c.RetryDelay <= 0 {
		errs = append(errs, "retry-delay: must be positive")
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, "request-timeout: must be positive")
	}
	if c.ProbeInterval <= 0 {
		errs = append(errs, "probe-interval: must be positive")
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Sprintf("metrics-addr: %q is not a valid listen address", c.MetricsAddr))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log-level: %q is not one of debug, info, warn, error", c.LogLevel))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}
