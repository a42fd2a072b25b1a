package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validBaseConfig() Config {
	return Config{
		Model:                 "deepseek/deepseek-chat-v3-0324",
		SummaryModel:          "qwen/qwen3-30b-a3b-instruct-2507",
		Provider:              "openrouter",
		Temperature:           0.7,
		RequestTimeoutSeconds: 90,
		SummaryTimeoutSeconds: 30,
		ShellTimeoutSeconds:   60,
		MemoryPath:            "/tmp/ram.json",
		HistoryPath:           "/tmp/history",
		KeepRecentMessages:    6,
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectError bool
		errorString string
	}{
		{
			name:        "valid config passes",
			modifyFunc:  func(c *Config) {},
			expectError: false,
		},
		{
			name: "negative temperature fails",
			modifyFunc: func(c *Config) {
				c.Temperature = -0.5
			},
			expectError: true,
			errorString: "temperature must be between",
		},
		{
			name: "temperature > 2.0 fails",
			modifyFunc: func(c *Config) {
				c.Temperature = 3.0
			},
			expectError: true,
			errorString: "temperature must be between",
		},
		{
			name: "request timeout > 600 fails",
			modifyFunc: func(c *Config) {
				c.RequestTimeoutSeconds = 9999
			},
			expectError: true,
			errorString: "request_timeout_seconds cannot exceed",
		},
		{
			name: "shell timeout > 600 fails",
			modifyFunc: func(c *Config) {
				c.ShellTimeoutSeconds = 9999
			},
			expectError: true,
			errorString: "shell_timeout_seconds cannot exceed",
		},
		{
			name: "unknown device profile fails",
			modifyFunc: func(c *Config) {
				c.DeviceProfile = "mainframe"
			},
			expectError: true,
			errorString: "device_profile must be one of",
		},
		{
			name: "known device profile passes",
			modifyFunc: func(c *Config) {
				c.DeviceProfile = "desktop"
			},
			expectError: false,
		},
		{
			name: "compaction threshold below range fails",
			modifyFunc: func(c *Config) {
				c.CompactionThreshold = 0.3
			},
			expectError: true,
			errorString: "compaction_threshold must be between",
		},
		{
			name: "compaction threshold zero defers to profile",
			modifyFunc: func(c *Config) {
				c.CompactionThreshold = 0
			},
			expectError: false,
		},
		{
			name: "keep recent zero fails",
			modifyFunc: func(c *Config) {
				c.KeepRecentMessages = 0
			},
			expectError: true,
			errorString: "keep_recent_messages must be between",
		},
		{
			name: "empty memory path fails",
			modifyFunc: func(c *Config) {
				c.MemoryPath = "  "
			},
			expectError: true,
			errorString: "memory_path must be set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tt.modifyFunc(&cfg)

			err := cfg.validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorString) {
					t.Errorf("Expected error containing %q, got %q", tt.errorString, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestLoadUserConfigMissingFileYieldsDefaults(t *testing.T) {
	t.Setenv("ENGRAM_CONFIG_DIR", t.TempDir())
	t.Setenv("ENGRAM_CONFIG_PATH", "")

	cfg, err := LoadUserConfig()
	if err != nil {
		t.Fatalf("LoadUserConfig: %v", err)
	}
	if cfg.Model != DefaultModel {
		t.Errorf("Model = %q, want %q", cfg.Model, DefaultModel)
	}
	if cfg.Provider != "openrouter" {
		t.Errorf("Provider = %q, want openrouter", cfg.Provider)
	}
	if cfg.KeepRecentMessages != 6 {
		t.Errorf("KeepRecentMessages = %d, want 6", cfg.KeepRecentMessages)
	}
	if cfg.RequestTimeout() != 90*time.Second {
		t.Errorf("RequestTimeout = %v, want 90s", cfg.RequestTimeout())
	}
	if cfg.SummaryTimeout() != 30*time.Second {
		t.Errorf("SummaryTimeout = %v, want 30s", cfg.SummaryTimeout())
	}
	if !strings.HasSuffix(cfg.MemoryPath, "ram.json") {
		t.Errorf("MemoryPath = %q, want ram.json under config dir", cfg.MemoryPath)
	}
}

func TestLoadUserConfigReadsOverridePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	body := strings.Join([]string{
		"model: codellama-13b-instruct",
		"provider: mock",
		"device_profile: mobile",
		"keep_recent_messages: 4",
		"compaction_threshold: 0.8",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ENGRAM_CONFIG_PATH", path)

	cfg, err := LoadUserConfig()
	if err != nil {
		t.Fatalf("LoadUserConfig: %v", err)
	}
	if cfg.Model != "codellama-13b-instruct" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.DeviceProfile != "mobile" {
		t.Errorf("DeviceProfile = %q", cfg.DeviceProfile)
	}
	if cfg.KeepRecentMessages != 4 {
		t.Errorf("KeepRecentMessages = %d", cfg.KeepRecentMessages)
	}
	if cfg.CompactionThreshold != 0.8 {
		t.Errorf("CompactionThreshold = %g", cfg.CompactionThreshold)
	}
	// Unset fields still receive defaults.
	if cfg.SummaryModel != DefaultSummaryModel {
		t.Errorf("SummaryModel = %q, want default", cfg.SummaryModel)
	}
}

func TestEnsureDefaultConfigCreatesFileOnce(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENGRAM_CONFIG_DIR", dir)
	t.Setenv("ENGRAM_CONFIG_PATH", "")

	if err := EnsureDefaultConfig(); err != nil {
		t.Fatalf("EnsureDefaultConfig: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), "model:") {
		t.Fatalf("config body missing model key:\n%s", data)
	}

	// A second call must not clobber user edits.
	if err := os.WriteFile(path, []byte("model: my-edited-model\n"), 0o644); err != nil {
		t.Fatalf("edit config: %v", err)
	}
	if err := EnsureDefaultConfig(); err != nil {
		t.Fatalf("EnsureDefaultConfig second call: %v", err)
	}
	data, _ = os.ReadFile(path)
	if !strings.Contains(string(data), "my-edited-model") {
		t.Fatalf("existing config was overwritten:\n%s", data)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENGRAM_CONFIG_DIR", dir)
	t.Setenv("ENGRAM_CONFIG_PATH", "")

	cfg := validBaseConfig()
	cfg.DeviceProfile = "server"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadUserConfig()
	if err != nil {
		t.Fatalf("LoadUserConfig: %v", err)
	}
	if loaded.DeviceProfile != "server" {
		t.Errorf("DeviceProfile = %q, want server", loaded.DeviceProfile)
	}
	if loaded.Model != cfg.Model {
		t.Errorf("Model = %q, want %q", loaded.Model, cfg.Model)
	}
}
