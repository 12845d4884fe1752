package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds settings for the LLM provider backing the Brain.
type ProviderConfig struct {
	// Name selects the wire format. Only "openai" and OpenAI-compatible
	// endpoints are supported; point BaseURL at a compatible server for
	// anything else.
	Name    string `yaml:"name"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// TimeoutSeconds bounds a single chat call, independent of the
	// overall turn budget.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// LimitsConfig bounds a single turn or task processing cycle.
type LimitsConfig struct {
	// MaxTurns is the act/reflect loop bound per cycle.
	MaxTurns int `yaml:"max_turns"`

	// MaxToolAttempts is the retry bound for one failing tool call.
	MaxToolAttempts int `yaml:"max_tool_attempts"`

	// ToolTimeoutSeconds bounds a single tool invocation.
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds"`
}

// CronConfig holds scheduler and job-validation settings.
type CronConfig struct {
	// TickSeconds is the scheduler resolution.
	TickSeconds int `yaml:"tick_seconds"`

	// MinIntervalSeconds is the floor for recurring job intervals.
	MinIntervalSeconds int `yaml:"min_interval_seconds"`

	// DailyCreateCap limits job creations per owner per rolling 24h.
	DailyCreateCap int `yaml:"daily_create_cap"`

	// LegacyDir holds the flat-file job layout imported on first start.
	// Empty means <home>/cron.
	LegacyDir string `yaml:"legacy_dir"`
}

// IsolationConfig names the tools a scheduler-fired job may call when the
// job was created with isolated scope. Jobs fired from a live conversation
// run unrestricted.
type IsolationConfig struct {
	AllowedTools []string `yaml:"allowed_tools"`
}

type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
}

type Config struct {
	HomeDir  string `yaml:"-"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// Persona is prepended to every write prompt.
	Persona string `yaml:"persona"`

	Provider  ProviderConfig  `yaml:"provider"`
	Limits    LimitsConfig    `yaml:"limits"`
	Cron      CronConfig      `yaml:"cron"`
	Isolation IsolationConfig `yaml:"isolation"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Provider: ProviderConfig{
			Name:           "openai",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: int((90 * time.Second).Seconds()),
		},
		Limits: LimitsConfig{
			MaxTurns:           4,
			MaxToolAttempts:    2,
			ToolTimeoutSeconds: 60,
		},
		Cron: CronConfig{
			TickSeconds:        5,
			MinIntervalSeconds: 60,
			DailyCreateCap:     20,
		},
		Isolation: IsolationConfig{
			AllowedTools: []string{"cron.list", "time.now", "note.append"},
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18790",
		},
	}
}

// HomeDir resolves the hearth home directory, honoring HEARTH_HOME.
func HomeDir() string {
	if override := os.Getenv("HEARTH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hearth")
}

// ConfigPath returns the path of the YAML config file under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the hearth home, applies env overrides and
// defaults. A missing file is not an error; defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create hearth home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "hearth.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "openai"
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "gpt-4o-mini"
	}
	if cfg.Provider.TimeoutSeconds <= 0 {
		cfg.Provider.TimeoutSeconds = 90
	}
	if cfg.Limits.MaxTurns <= 0 {
		cfg.Limits.MaxTurns = 4
	}
	if cfg.Limits.MaxToolAttempts <= 0 {
		cfg.Limits.MaxToolAttempts = 2
	}
	if cfg.Limits.ToolTimeoutSeconds <= 0 {
		cfg.Limits.ToolTimeoutSeconds = 60
	}
	if cfg.Cron.TickSeconds <= 0 {
		cfg.Cron.TickSeconds = 5
	}
	if cfg.Cron.MinIntervalSeconds <= 0 {
		cfg.Cron.MinIntervalSeconds = 60
	}
	if cfg.Cron.DailyCreateCap <= 0 {
		cfg.Cron.DailyCreateCap = 20
	}
	if cfg.Cron.LegacyDir == "" {
		cfg.Cron.LegacyDir = filepath.Join(cfg.HomeDir, "cron")
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18790"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEARTH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HEARTH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("HEARTH_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("HEARTH_PROVIDER_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("HEARTH_BIND_ADDR"); v != "" {
		cfg.Gateway.BindAddr = v
	}
	if v := os.Getenv("HEARTH_AUTH_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv("HEARTH_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.Limits.MaxTurns = n
		}
	}
}
