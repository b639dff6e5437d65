// Package config loads sidekick's configuration from $SIDEKICK_HOME/config.yaml
// with env-var overrides for secrets and struct-level defaulting.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/copper/sidekick/internal/otel"
)

// LLMConfig names the reasoning oracle provider and model.
type LLMConfig struct {
	// Provider is the LLM provider: "google", "anthropic", "openai", "openai_compatible".
	// Empty defaults to "google".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// TimeoutSeconds bounds each oracle call. Default 120.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// AgentConfig tunes the instruction-execution loop.
type AgentConfig struct {
	// RoundBudget is the maximum number of propose/execute rounds per run.
	RoundBudget int `yaml:"round_budget"`

	// MaxOpenTasksInContext bounds how many open tasks are surfaced to the
	// oracle at run start.
	MaxOpenTasksInContext int `yaml:"max_open_tasks_in_context"`

	// ContextTokenBudget bounds the rendered event payload and tool results.
	ContextTokenBudget int `yaml:"context_token_budget"`
}

// DetectorConfig tunes the pollers.
type DetectorConfig struct {
	// PageSize caps events returned per detection cycle per source.
	PageSize int `yaml:"page_size"`

	// PollSchedule is a 5-field cron expression for the default poll cadence.
	PollSchedule string `yaml:"poll_schedule"`

	// TaskRetentionHours is how long a Pending task may sit before the
	// background sweep marks it Failed.
	TaskRetentionHours int `yaml:"task_retention_hours"`
}

// TelegramConfig configures outbound notification delivery.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// NotifyConfig tunes the notification sink.
type NotifyConfig struct {
	// DebounceMinutes suppresses repeated notifications of the same
	// (user, type) within the window. 0 disables debouncing.
	DebounceMinutes int            `yaml:"debounce_minutes"`
	Telegram        TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken, when set, gates every HTTP route except /healthz.
	AuthToken string `yaml:"auth_token"`

	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Detector DetectorConfig `yaml:"detector"`
	Notify   NotifyConfig   `yaml:"notify"`
	OTel     otel.Config    `yaml:"otel"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// websocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18690",
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:       "google",
			TimeoutSeconds: 120,
		},
		Agent: AgentConfig{
			RoundBudget:           8,
			MaxOpenTasksInContext: 5,
			ContextTokenBudget:    4000,
		},
		Detector: DetectorConfig{
			PageSize:           50,
			PollSchedule:       "*/5 * * * *",
			TaskRetentionHours: 72,
		},
		Notify: NotifyConfig{
			DebounceMinutes: 15,
		},
	}
}

// HomeDir resolves the sidekick data directory.
func HomeDir() string {
	if override := os.Getenv("SIDEKICK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sidekick")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the sidekick home, applies env overrides and
// defaults. A missing file is not an error; defaults apply.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create sidekick home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIDEKICK_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("SIDEKICK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notify.Telegram.Token = v
	}
	if v := os.Getenv("SIDEKICK_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	// Provider API keys are resolved lazily in LLMAPIKey so a key set after
	// startup genesis still wins.
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18690"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 120
	}
	if cfg.Agent.RoundBudget <= 0 {
		cfg.Agent.RoundBudget = 8
	}
	if cfg.Agent.MaxOpenTasksInContext <= 0 {
		cfg.Agent.MaxOpenTasksInContext = 5
	}
	if cfg.Agent.ContextTokenBudget <= 0 {
		cfg.Agent.ContextTokenBudget = 4000
	}
	if cfg.Detector.PageSize <= 0 || cfg.Detector.PageSize > 100 {
		cfg.Detector.PageSize = 50
	}
	if strings.TrimSpace(cfg.Detector.PollSchedule) == "" {
		cfg.Detector.PollSchedule = "*/5 * * * *"
	}
	if cfg.Detector.TaskRetentionHours <= 0 {
		cfg.Detector.TaskRetentionHours = 72
	}
	if cfg.Notify.DebounceMinutes < 0 {
		cfg.Notify.DebounceMinutes = 0
	}
}

// LLMAPIKey resolves the oracle API key, env vars first.
func (c Config) LLMAPIKey() string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[c.LLM.Provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.LLM.Provider == "google" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	return c.LLM.APIKey
}

// OracleTimeout returns the per-call oracle deadline.
func (c Config) OracleTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// DebounceWindow returns the notification debounce window.
func (c Config) DebounceWindow() time.Duration {
	return time.Duration(c.Notify.DebounceMinutes) * time.Minute
}

// Fingerprint returns a stable hash of the reload-sensitive tunables, used
// to log meaningful config changes only.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|rounds=%d|page=%d|poll=%s|debounce=%d",
		c.BindAddr, c.LogLevel, c.Agent.RoundBudget, c.Detector.PageSize,
		c.Detector.PollSchedule, c.Notify.DebounceMinutes)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
