// ABOUTME: Configuration loading and parsing for koine-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load.
const (
	EnvConfigPath = "KOINE_CONFIG"
	EnvAPIKey     = "KOINE_API_KEY"
	EnvDBPath     = "KOINE_DB_PATH"
)

// Config represents the complete koine-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Claude      ClaudeConfig      `yaml:"claude" toml:"claude"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" toml:"concurrency"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig holds listener addresses. An empty grpc_addr disables the
// gRPC health service.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves the API on :443 with certificates provisioned by the tailnet.
	HTTPS bool `yaml:"https" toml:"https"`
}

// AuthConfig holds bearer authentication settings. Requests are accepted
// when the token equals APIKey or is a JWT signed with JWTSecret.
type AuthConfig struct {
	APIKey    string `yaml:"api_key" toml:"api_key"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// ClaudeConfig describes how the agent CLI is invoked.
type ClaudeConfig struct {
	Binary  string   `yaml:"binary" toml:"binary"`
	Args    []string `yaml:"args" toml:"args"`
	WorkDir string   `yaml:"work_dir" toml:"work_dir"`
	Model   string   `yaml:"model" toml:"model"`

	// AllowedTools is the deployment allow-list. Leaving it out means
	// unrestricted; an empty list means no tools.
	AllowedTools    []string          `yaml:"allowed_tools" toml:"allowed_tools"`
	DisallowedTools []string          `yaml:"disallowed_tools" toml:"disallowed_tools"`
	ExtraEnv        map[string]string `yaml:"extra_env" toml:"extra_env"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// ConcurrencyConfig sizes the admission pools.
type ConcurrencyConfig struct {
	MaxStreaming    int `yaml:"max_streaming" toml:"max_streaming"`
	MaxNonStreaming int `yaml:"max_non_streaming" toml:"max_non_streaming"`
}

// DatabaseConfig holds the usage ledger location. An empty path disables
// the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:3100"},
		Claude: ClaudeConfig{
			Binary:     "claude",
			Timeout:    5 * time.Minute,
			TimeoutRaw: "5m",
		},
		Concurrency: ConcurrencyConfig{MaxStreaming: 3, MaxNonStreaming: 5},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Telemetry:   TelemetryConfig{ServiceName: "koine-gateway", SampleRatio: 1},
	}
}

// DefaultPath returns the config file location: $KOINE_CONFIG if set,
// otherwise $XDG_CONFIG_HOME/koine/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "koine", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format follows the extension: .toml is TOML, anything else YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes configuration in the given format ("yaml" or "toml"),
// layered over Default, then applies environment overrides and validates.
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	applyEnvOverrides(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets secrets and paths come from the environment
// without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Database.Path = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.APIKey == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.api_key or auth.jwt_secret is required (or set %s)", EnvAPIKey)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Claude.Binary == "" {
		return fmt.Errorf("claude.binary is required")
	}

	if c.Concurrency.MaxStreaming < 0 || c.Concurrency.MaxNonStreaming < 0 {
		return fmt.Errorf("concurrency limits must not be negative")
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Claude.TimeoutRaw == "" {
		return nil
	}

	raw := cfg.Claude.TimeoutRaw
	// Bare numbers are milliseconds.
	if ms, err := strconv.Atoi(raw); err == nil {
		cfg.Claude.Timeout = time.Duration(ms) * time.Millisecond
	} else {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing claude.timeout %q: %w", raw, err)
		}
		cfg.Claude.Timeout = d
	}

	if cfg.Claude.Timeout <= 0 {
		return fmt.Errorf("claude.timeout must be positive, got %q", raw)
	}
	return nil
}

// Env returns claude.extra_env as sorted KEY=VALUE pairs.
func (c ClaudeConfig) Env() []string {
	keys := slices.Sorted(maps.Keys(c.ExtraEnv))
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.ExtraEnv[k])
	}
	return env
}
