// Package config provides configuration parsing and validation for gwprobe.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veloq/gwprobe/internal/probe"
)

// Config represents the complete prober configuration.
type Config struct {
	Agent    AgentConfig     `yaml:"agent"`
	Gateways []GatewayConfig `yaml:"gateways"`
	Probe    ProbeConfig     `yaml:"probe"`
	Health   HealthConfig    `yaml:"health"`
}

// AgentConfig contains daemon-wide settings.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// GatewayConfig defines one gateway candidate to probe.
type GatewayConfig struct {
	Name    string `yaml:"name"`    // Label for logs, metrics, and status output
	Address string `yaml:"address"` // IPv4 address
}

// Addr returns the parsed gateway address. Call after Validate.
func (g GatewayConfig) Addr() netip.Addr {
	addr, _ := netip.ParseAddr(g.Address)
	return addr.Unmap()
}

// ProbeConfig defines probing behavior.
type ProbeConfig struct {
	Interval      time.Duration `yaml:"interval"`       // Time between probe rounds
	Timeout       time.Duration `yaml:"timeout"`        // Per-probe reply deadline
	PayloadSize   int           `yaml:"payload_size"`   // ICMP payload bytes
	AllowFragment bool          `yaml:"allow_fragment"` // Clear the DF flag
	Rate          float64       `yaml:"rate"`           // Max echo requests per second
}

// HealthConfig defines the local health/metrics HTTP endpoint.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Gateways: []GatewayConfig{},
		Probe: ProbeConfig{
			Interval:      5 * time.Second,
			Timeout:       2 * time.Second,
			PayloadSize:   56, // Matches the platform ping default
			AllowFragment: false,
			Rate:          50,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9120",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying defaults and
// validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		return os.Getenv(name)
	})
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if len(c.Gateways) == 0 {
		errs = append(errs, "at least one gateway is required")
	}
	seen := make(map[string]bool)
	for i, g := range c.Gateways {
		if err := validateGateway(g); err != nil {
			errs = append(errs, fmt.Sprintf("gateways[%d]: %v", i, err))
			continue
		}
		if seen[g.Address] {
			errs = append(errs, fmt.Sprintf("gateways[%d]: duplicate address %s", i, g.Address))
		}
		seen[g.Address] = true
	}

	if c.Probe.Interval <= 0 {
		errs = append(errs, "probe.interval must be positive")
	}
	if c.Probe.Timeout <= 0 {
		errs = append(errs, "probe.timeout must be positive")
	}
	if c.Probe.Timeout >= c.Probe.Interval {
		errs = append(errs, "probe.timeout must be shorter than probe.interval")
	}
	if c.Probe.PayloadSize < 0 || c.Probe.PayloadSize > probe.MaxPayloadSize {
		errs = append(errs, fmt.Sprintf("probe.payload_size must be between 0 and %d", probe.MaxPayloadSize))
	}
	if c.Probe.Rate <= 0 {
		errs = append(errs, "probe.rate must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateGateway(g GatewayConfig) error {
	if g.Name == "" {
		return fmt.Errorf("name is required")
	}
	if g.Address == "" {
		return fmt.Errorf("address is required")
	}
	addr, err := netip.ParseAddr(g.Address)
	if err != nil {
		return fmt.Errorf("invalid address: %s", g.Address)
	}
	if !addr.Unmap().Is4() {
		return fmt.Errorf("address must be IPv4: %s", g.Address)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
