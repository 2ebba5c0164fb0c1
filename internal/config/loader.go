package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up inside a config directory.
const FileName = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, verifies, and validates configuration from a file or a
// directory containing config.yaml. Unset fields take their defaults.
func Load(configPath string) (*Config, error) {
	absPath, err := Resolve(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = absPath

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse interpolates ${VAR} references and decodes data over Defaults.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// Resolve turns a file or directory path into the absolute config file path.
func Resolve(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, FileName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", FileName, absPath)
		}
	}
	return absPath, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(cfg.Service.LogLevel, "debug", "info", "warn", "error"),
		"service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	check(oneOf(cfg.Service.LogFormat, "json", "text"),
		"service.log_format must be one of: json, text (got %q)", cfg.Service.LogFormat)

	check(oneOf(cfg.Relay.Mode, "pull", "push"),
		"relay.mode must be one of: pull, push (got %q)", cfg.Relay.Mode)
	check(cfg.Relay.ForwardInterval >= 0, "relay.forward_interval must not be negative")
	check(cfg.Relay.ChunkLines >= 0, "relay.chunk_lines must not be negative")

	check(oneOf(cfg.Listener.Isolation, IsolationTask, IsolationProcess),
		"listener.isolation must be one of: task, process (got %q)", cfg.Listener.Isolation)
	check(cfg.Listener.Listen != "", "listener.listen is required")
	check(cfg.Listener.DrainTimeout > 0, "listener.drain_timeout must be positive")
	check(cfg.Listener.StatusTimeout > 0, "listener.status_timeout must be positive")
	check(cfg.Listener.StartTimeout > 0, "listener.start_timeout must be positive")

	check(len(cfg.Host.Command) > 0 && strings.TrimSpace(cfg.Host.Command[0]) != "", "host.command is required")
	check(cfg.Host.Timeout > 0, "host.timeout must be positive")

	check(cfg.Audit.Retention >= 0, "audit.retention must not be negative")

	if cfg.Telegram.Enabled {
		check(cfg.Telegram.Token != "", "telegram.token is required when telegram is enabled")
		check(cfg.Relay.Mode == "push", "telegram.enabled requires relay.mode push")
	}

	for _, field := range []struct{ path, value string }{
		{"telegram.token", cfg.Telegram.Token},
		{"host.workdir", cfg.Host.Workdir},
		{"audit.path", cfg.Audit.Path},
	} {
		if m := envVarPattern.FindStringSubmatch(field.value); m != nil {
			errs = append(errs, fmt.Errorf("%s references unset environment variable %s", field.path, m[1]))
		}
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
