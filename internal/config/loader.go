package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, expands, and validates configuration from a YAML file. If a
// .checksums manifest exists next to the file, the file's integrity is
// verified against it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}

	if err := verifyChecksumIfPresent(absPath); err != nil {
		return nil, err
	}

	data = expandEnvVars(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks a Config for internal consistency.
func Validate(cfg *Config) error {
	if cfg.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if err := ValidateSinceMarker(cfg.Server.Since); err != nil {
		return err
	}
	if cfg.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be positive, got %d", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Scheduler.MaxPending < 0 {
		return fmt.Errorf("scheduler.max_pending must not be negative, got %d", cfg.Scheduler.MaxPending)
	}
	switch cfg.Scheduler.Overflow {
	case "drop_new", "drop_old":
	default:
		return fmt.Errorf("scheduler.overflow must be drop_new or drop_old, got %q", cfg.Scheduler.Overflow)
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	enabled := 0
	for _, hc := range cfg.Handlers {
		if hc.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no handlers enabled; nothing would consume build events")
	}
	return nil
}

// ValidateSinceMarker accepts "now" or a non-negative epoch-millisecond
// integer.
func ValidateSinceMarker(marker string) error {
	if marker == "now" {
		return nil
	}
	ms, err := strconv.ParseInt(marker, 10, 64)
	if err != nil || ms < 0 {
		return fmt.Errorf("server.since must be \"now\" or epoch milliseconds, got %q", marker)
	}
	return nil
}
