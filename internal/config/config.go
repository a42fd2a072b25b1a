package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default model constants. OpenRouter is the default provider; the mock
// provider is wired for offline runs and tests.
const (
	DefaultModel        = "deepseek/deepseek-chat-v3-0324"
	DefaultSummaryModel = "qwen/qwen3-30b-a3b-instruct-2507"
	DefaultMockModel    = "mock-model"
)

// DefaultSystemPrompt seeds new conversations when the user has not supplied
// their own.
const DefaultSystemPrompt = "You are a concise coding assistant. Prefer small, verifiable steps and use the available tools when they help."

// Config is the runtime configuration read from config.yaml.
type Config struct {
	Model                 string  `yaml:"model"`
	SummaryModel          string  `yaml:"summary_model"`
	Provider              string  `yaml:"provider"`
	BaseURL               string  `yaml:"base_url"`
	APIKeyEnv             string  `yaml:"api_key_env"`
	Temperature           float64 `yaml:"temperature"`
	SystemPrompt          string  `yaml:"system_prompt"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	SummaryTimeoutSeconds int     `yaml:"summary_timeout_seconds"`
	ShellTimeoutSeconds   int     `yaml:"shell_timeout_seconds"`
	WorkspaceRoot         string  `yaml:"workspace_root"`
	ConversationDir       string  `yaml:"conversation_dir"`
	MemoryPath            string  `yaml:"memory_path"`
	TelemetryPath         string  `yaml:"telemetry_path"`
	HistoryPath           string  `yaml:"history_path"`
	DeviceProfile         string  `yaml:"device_profile"`
	CompactionThreshold   float64 `yaml:"compaction_threshold"`
	KeepRecentMessages    int     `yaml:"keep_recent_messages"`
	LogPath               string  `yaml:"log_path"`
	LogMaxSizeMB          int     `yaml:"log_max_size_mb"`
	LogMaxBackups         int     `yaml:"log_max_backups"`
	LogMaxAgeDays         int     `yaml:"log_max_age_days"`
}

// GetConfigDir returns the directory holding config, conversations, working
// memory, and logs. ENGRAM_CONFIG_DIR overrides the default ~/.engram.
func GetConfigDir() string {
	if configDir := os.Getenv("ENGRAM_CONFIG_DIR"); configDir != "" {
		return configDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engram"
	}
	return filepath.Join(home, ".engram")
}

func configPath() string {
	if path := os.Getenv("ENGRAM_CONFIG_PATH"); path != "" {
		return path
	}
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// Path reports the active config file location, honoring the
// ENGRAM_CONFIG_PATH override.
func Path() string {
	return configPath()
}

// EnsureDefaultConfig writes a config.yaml with defaults if none exists yet.
// An existing file is left untouched.
func EnsureDefaultConfig() error {
	path := configPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	cfg := Config{}
	cfg.applyDefaults()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadUserConfig loads configuration from ~/.engram/config.yaml. The
// ENGRAM_CONFIG_PATH environment variable overrides the location. A missing
// file yields defaults rather than an error.
func LoadUserConfig() (Config, error) {
	path := configPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Config{}
		cfg.applyDefaults()
		return cfg, nil
	}
	return Load(path)
}

// Load parses the YAML file at path, backfills defaults, and validates the
// result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults backfills every zero field; a minimal or missing config.yaml
// still yields a fully usable Config.
func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if strings.TrimSpace(c.SummaryModel) == "" {
		c.SummaryModel = DefaultSummaryModel
	}
	if c.Provider == "" {
		c.Provider = "openrouter"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = "OPENROUTER_API_KEY"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 90
	}
	if c.SummaryTimeoutSeconds <= 0 {
		c.SummaryTimeoutSeconds = 30
	}
	if c.ShellTimeoutSeconds <= 0 {
		c.ShellTimeoutSeconds = 60
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "."
	}
	if c.ConversationDir == "" {
		c.ConversationDir = filepath.Join(GetConfigDir(), "conversations")
	}
	if c.MemoryPath == "" {
		c.MemoryPath = filepath.Join(GetConfigDir(), "ram.json")
	}
	if c.TelemetryPath == "" {
		c.TelemetryPath = filepath.Join(GetConfigDir(), "telemetry.db")
	}
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(GetConfigDir(), "history")
	}
	if c.KeepRecentMessages <= 0 {
		c.KeepRecentMessages = 6
	}
	if c.LogPath == "" {
		c.LogPath = filepath.Join(GetConfigDir(), "logs", "engram.log")
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = 10
	}
	if c.LogMaxBackups <= 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAgeDays <= 0 {
		c.LogMaxAgeDays = 28
	}
}

func (c Config) validate() error {
	if c.Temperature < 0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0 and 2.0 (got %g)", c.Temperature)
	}
	timeouts := []struct {
		key     string
		seconds int
	}{
		{"request_timeout_seconds", c.RequestTimeoutSeconds},
		{"summary_timeout_seconds", c.SummaryTimeoutSeconds},
		{"shell_timeout_seconds", c.ShellTimeoutSeconds},
	}
	for _, t := range timeouts {
		if t.seconds > 600 {
			return fmt.Errorf("%s cannot exceed 600 seconds", t.key)
		}
	}
	if strings.TrimSpace(c.MemoryPath) == "" {
		return fmt.Errorf("memory_path must be set")
	}
	if strings.TrimSpace(c.HistoryPath) == "" {
		return fmt.Errorf("history_path must be set")
	}
	if strings.TrimSpace(c.SummaryModel) == "" {
		return fmt.Errorf("summary_model must be set")
	}
	switch c.DeviceProfile {
	case "", "mobile", "laptop", "desktop", "server":
	default:
		return fmt.Errorf("device_profile must be one of mobile, laptop, desktop, server (got %q)", c.DeviceProfile)
	}
	// Zero defers to the device profile's threshold.
	if c.CompactionThreshold != 0 && (c.CompactionThreshold < 0.5 || c.CompactionThreshold > 0.95) {
		return fmt.Errorf("compaction_threshold must be between 0.5 and 0.95 (got %g)", c.CompactionThreshold)
	}
	if c.KeepRecentMessages < 1 || c.KeepRecentMessages > 50 {
		return fmt.Errorf("keep_recent_messages must be between 1 and 50 (got %d)", c.KeepRecentMessages)
	}
	return nil
}

// RequestTimeout is the HTTP deadline for provider calls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// SummaryTimeout bounds the optional model-assisted summarization call.
func (c Config) SummaryTimeout() time.Duration {
	return time.Duration(c.SummaryTimeoutSeconds) * time.Second
}

// ShellTimeout is the default deadline for tool-run shell commands.
func (c Config) ShellTimeout() time.Duration {
	return time.Duration(c.ShellTimeoutSeconds) * time.Second
}

// APIKey resolves the provider credential from the configured environment
// variable. Empty when unset.
func (c Config) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// Save writes the config to the user's config file.
func Save(c Config) error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
