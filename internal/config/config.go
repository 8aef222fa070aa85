// Package config loads the application configuration from the user's
// config directory, a local file, or environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	Provider  string          `mapstructure:"provider"`
	Log       LogConfig       `mapstructure:"log"`
	OpenAI    ProviderConfig  `mapstructure:"openai"`
	Compat    ProviderConfig  `mapstructure:"openai-compat"`
	Ollama    ProviderConfig  `mapstructure:"ollama"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Turns     TurnsConfig     `mapstructure:"turns"`
	Context   ContextConfig   `mapstructure:"context"`
	Compact   CompactConfig   `mapstructure:"compaction"`
	LoopGuard LoopGuardConfig `mapstructure:"loop_guard"`
	Threads   ThreadsConfig   `mapstructure:"threads"`
	Shell     ShellConfig     `mapstructure:"shell"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// ProviderConfig configures one OpenAI-compatible endpoint.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// ApprovalConfig controls which tool calls run without asking.
type ApprovalConfig struct {
	AutoApproveAll  bool     `mapstructure:"auto_approve_all"`
	ApproveReadOnly bool     `mapstructure:"approve_read_only"`
	ShellAllowlist  []string `mapstructure:"shell_allowlist"`
}

// TurnsConfig controls behavior when a new message arrives mid-turn.
// Policy is "conservative" (refuse) or "permissive" (close out locally).
type TurnsConfig struct {
	Policy               string `mapstructure:"policy"`
	StreamTimeoutSeconds int    `mapstructure:"stream_timeout_seconds"`
}

type ContextConfig struct {
	MaxTokens   int `mapstructure:"max_tokens"`
	MaxMessages int `mapstructure:"max_messages"`
}

type CompactConfig struct {
	MaxTokens   int `mapstructure:"max_tokens"`
	MaxMessages int `mapstructure:"max_messages"`
	KeepRecent  int `mapstructure:"keep_recent"`
}

type LoopGuardConfig struct {
	Window    int `mapstructure:"window"`
	Threshold int `mapstructure:"threshold"`
}

type ThreadsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

type ShellConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// GetConfigDir returns the loom config directory.
func GetConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "loom"), nil
}

// DefaultDBPath is where threads are stored when no db_path is set.
func DefaultDBPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "threads.db"), nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	viper.SetDefault("provider", "openai")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("openai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("openai.model", "gpt-4o")
	viper.SetDefault("ollama.base_url", "http://localhost:11434/v1")
	// openai-compat has no base_url default - it's required
	viper.SetDefault("approval.approve_read_only", true)
	viper.SetDefault("turns.policy", "conservative")
	viper.SetDefault("turns.stream_timeout_seconds", 60)
	viper.SetDefault("context.max_tokens", 100000)
	viper.SetDefault("context.max_messages", 60)
	viper.SetDefault("compaction.max_tokens", 150000)
	viper.SetDefault("compaction.max_messages", 100)
	viper.SetDefault("compaction.keep_recent", 10)
	viper.SetDefault("loop_guard.window", 5)
	viper.SetDefault("loop_guard.threshold", 3)
	viper.SetDefault("threads.enabled", true)
	viper.SetDefault("shell.timeout_seconds", 30)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	resolveCredentials(&cfg)
	return &cfg, nil
}

// resolveCredentials fills API keys from the environment when the config
// file leaves them empty.
func resolveCredentials(cfg *Config) {
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Compat.APIKey == "" {
		cfg.Compat.APIKey = os.Getenv("LOOM_API_KEY")
	}
}

// ActiveProvider resolves the configured provider selection.
func (c *Config) ActiveProvider() (ProviderConfig, string, error) {
	switch c.Provider {
	case "", "openai":
		return c.OpenAI, "openai", nil
	case "ollama":
		return c.Ollama, "ollama", nil
	case "openai-compat":
		if c.Compat.BaseURL == "" {
			return ProviderConfig{}, "", fmt.Errorf("openai-compat.base_url is required")
		}
		return c.Compat, "openai-compat", nil
	default:
		return ProviderConfig{}, "", fmt.Errorf("unknown provider %q", c.Provider)
	}
}

// ApplyOverrides applies command-line provider and model overrides.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model == "" {
		return
	}
	switch c.Provider {
	case "", "openai":
		c.OpenAI.Model = model
	case "ollama":
		c.Ollama.Model = model
	case "openai-compat":
		c.Compat.Model = model
	}
}
