// Package config provides configuration loading and validation for a host
// application embedding the kpxc client engine. It is trimmed from the
// teacher's much larger agent Config down to the handful of fields this
// client actually needs: where to find the helper binary, where to persist
// database associations, the default request behavior, and logging.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for a kpxc-go host application.
type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Registry RegistryConfig `yaml:"registry"`
	Options  OptionsConfig  `yaml:"options"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ProxyConfig locates and times out the keepassxc-proxy helper process.
type ProxyConfig struct {
	// ProgramName is resolved via PATH unless it contains a path separator.
	ProgramName string `yaml:"program_name"`
	// EscalationTimeout is the coarse timer between disconnect ladder
	// phases (stdin-close, SIGTERM, SIGKILL). See spec scenario 5.
	EscalationTimeout time.Duration `yaml:"escalation_timeout"`
}

// RegistryConfig locates the persisted database-association store.
type RegistryConfig struct {
	// Path is the YAML file backing a registry.FileStore. Empty disables
	// persistence; the host should fall back to registry.Memory.
	Path string `yaml:"path"`
}

// OptionsConfig mirrors client.Options so it can be YAML-configured instead
// of set only in Go.
type OptionsConfig struct {
	AllowNewDatabase    bool `yaml:"allow_new_database"`
	TriggerUnlock       bool `yaml:"trigger_unlock"`
	OpenOnConnect       bool `yaml:"open_on_connect"`
	AllowDatabaseChange bool `yaml:"allow_database_change"`
	DisconnectOnClose   bool `yaml:"disconnect_on_close"`
}

// LoggingConfig selects the slog level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the permissive defaults: a PATH-resolved proxy binary, no
// persisted registry, and the same Options a first-time caller wants.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			ProgramName:       "keepassxc-proxy",
			EscalationTimeout: 500 * time.Millisecond,
		},
		Options: OptionsConfig{
			AllowNewDatabase: true,
			OpenOnConnect:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default so an
// absent section keeps its permissive default rather than zeroing out.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors a caller would want to know
// about before spawning the helper process.
func (c *Config) Validate() error {
	var errs []string

	if c.Proxy.ProgramName == "" {
		errs = append(errs, "proxy.program_name is required")
	}
	if c.Proxy.EscalationTimeout <= 0 {
		errs = append(errs, "proxy.escalation_timeout must be positive")
	}
	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
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

// String returns the config as YAML, for debugging. Nothing here is
// sensitive enough to need redaction: no credentials or key material live
// in this file, only process/registry locations and behavior flags.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
