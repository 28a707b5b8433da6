package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/titanous/json5"
)

// Config is the root configuration for the nanoclaw gateway.
type Config struct {
	General GeneralConfig `json:"general"`
	Slack   SlackConfig   `json:"slack"`
	Store   StoreConfig   `json:"store"`
	Metrics MetricsConfig `json:"metrics"`
}

type GeneralConfig struct {
	AssistantName string `json:"assistantName" env:"ASSISTANT_NAME"`
	StoreDir      string `json:"storeDir" env:"STORE_DIR"`
	LogLevel      string `json:"logLevel" env:"LOG_LEVEL"`
	LogFormat     string `json:"logFormat" env:"LOG_FORMAT"` // "text" | "json" | "tint"
}

// SlackConfig configures the Slack channel adapter. Credentials and channel
// mappings live in the separate file at ConfigPath.
type SlackConfig struct {
	Enabled                  bool    `json:"enabled" env:"SLACK_ENABLED"`
	ConfigPath               string  `json:"configPath,omitempty" env:"SLACK_CONFIG_PATH"`
	ConnectTimeoutSeconds    int     `json:"connectTimeoutSeconds" env:"SLACK_CONNECT_TIMEOUT"`
	UserLookupTimeoutSeconds int     `json:"userLookupTimeoutSeconds" env:"SLACK_USER_LOOKUP_TIMEOUT"`
	SendRatePerSecond        float64 `json:"sendRatePerSecond" env:"SLACK_SEND_RATE"`
	WatchConfig              bool    `json:"watchConfig" env:"SLACK_WATCH_CONFIG"`
}

func (s SlackConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

func (s SlackConfig) UserLookupTimeout() time.Duration {
	return time.Duration(s.UserLookupTimeoutSeconds) * time.Second
}

type StoreConfig struct {
	DBPath string `json:"dbPath" env:"DB_PATH"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" env:"METRICS_ENABLED"`
	Addr     string `json:"addr" env:"METRICS_ADDR"`
	Endpoint string `json:"endpoint"`
}

// envPrefix namespaces every environment override, e.g. NANOCLAW_ASSISTANT_NAME.
const envPrefix = "NANOCLAW_"

// DefaultConfigDir returns the default config directory (~/.nanoclaw).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nanoclaw"
	}
	return filepath.Join(home, ".nanoclaw")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file, expands ${VAR} references, applies NANOCLAW_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults (still honouring
// environment overrides) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(ExpandPath(path)); !os.IsNotExist(statErr) {
		return nil, err
	}
	cfg = Defaults()
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	if err := applyEnvOverrides(cfg); err != nil {
		return err
	}

	cfg.General.StoreDir = ExpandPath(cfg.General.StoreDir)
	cfg.Slack.ConfigPath = ExpandPath(cfg.Slack.ConfigPath)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	if cfg.Slack.ConfigPath == "" {
		cfg.Slack.ConfigPath = filepath.Join(cfg.General.StoreDir, SlackConfigFile)
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = filepath.Join(cfg.General.StoreDir, "nanoclaw.db")
	}

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// applyEnvOverrides overlays NANOCLAW_* env vars onto the config.
// Env vars take precedence over file values.
func applyEnvOverrides(cfg *Config) error {
	opts := env.Options{Prefix: envPrefix}
	for _, target := range []any{&cfg.General, &cfg.Slack, &cfg.Store, &cfg.Metrics} {
		if err := env.ParseWithOptions(target, opts); err != nil {
			return fmt.Errorf("environment overrides: %w", err)
		}
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.General.AssistantName) == "" {
		errs = append(errs, "general.assistantName must not be empty")
	} else if strings.ContainsAny(cfg.General.AssistantName, " \t\n@") {
		errs = append(errs, "general.assistantName must be a single word without '@'")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json", "tint":
		// valid
	default:
		errs = append(errs, "general.logFormat must be one of: text, json, tint")
	}

	if cfg.Slack.ConnectTimeoutSeconds < 1 || cfg.Slack.ConnectTimeoutSeconds > 300 {
		errs = append(errs, "slack.connectTimeoutSeconds must be between 1 and 300")
	}
	if cfg.Slack.UserLookupTimeoutSeconds < 1 || cfg.Slack.UserLookupTimeoutSeconds > 60 {
		errs = append(errs, "slack.userLookupTimeoutSeconds must be between 1 and 60")
	}
	if cfg.Slack.SendRatePerSecond <= 0 {
		errs = append(errs, "slack.sendRatePerSecond must be > 0")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}
	if cfg.Metrics.Endpoint != "" && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with '/'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
