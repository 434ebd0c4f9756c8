// Package config loads and validates the daemon configuration.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the main daemon configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Auth configuration
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// AI provider configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Sandbox configuration
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Rate limiting
	RateLimit RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`

	// Storage
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds connection hub settings.
type ServerConfig struct {
	Port             int `json:"port" mapstructure:"port"`
	HeartbeatSeconds int `json:"heartbeat_seconds" mapstructure:"heartbeat_seconds"`
	IdleTimeoutSecs  int `json:"idle_timeout_seconds" mapstructure:"idle_timeout_seconds"`
	OutputLimitBytes int `json:"output_limit_bytes" mapstructure:"output_limit_bytes"`
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	// Secret signs and verifies bearer tokens. Overridable via
	// LOOM_AUTH_SECRET.
	Secret string `json:"secret" mapstructure:"secret"`
}

// AIConfig holds model provider settings.
type AIConfig struct {
	Provider      string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey        string  `json:"api_key" mapstructure:"api_key"`
	Model         string  `json:"model" mapstructure:"model"`
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	HistoryWindow int     `json:"history_window" mapstructure:"history_window"`
}

// SandboxConfig holds container isolation settings.
type SandboxConfig struct {
	Image          string `json:"image" mapstructure:"image"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MemoryMB       int    `json:"memory_mb" mapstructure:"memory_mb"`
}

// RateLimitConfig holds invocation rate limiting settings.
type RateLimitConfig struct {
	WindowSeconds int `json:"window_seconds" mapstructure:"window_seconds"`
	PerWindow     int `json:"per_window" mapstructure:"per_window"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Driver selects the backend: sqlite or memory.
	Driver string `json:"driver" mapstructure:"driver"`
	Path   string `json:"path" mapstructure:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			HeartbeatSeconds: 30,
			IdleTimeoutSecs:  300,
			OutputLimitBytes: 256 * 1024,
		},
		AI: AIConfig{
			Provider:      "anthropic",
			Model:         "claude-sonnet-4",
			MaxTokens:     4096,
			Temperature:   0.7,
			HistoryWindow: 20,
		},
		Sandbox: SandboxConfig{
			Image:          "python:3.12-alpine",
			TimeoutSeconds: 30,
			MemoryMB:       512,
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
			PerWindow:     30,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// HeartbeatInterval returns the hub ping cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Server.HeartbeatSeconds) * time.Second
}

// IdleTimeout returns the idle-connection disconnect threshold.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeoutSecs) * time.Second
}

// RateWindow returns the rate limiter's window duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required (set auth.secret or LOOM_AUTH_SECRET)")
	}
	if c.AI.Provider != "anthropic" && c.AI.Provider != "openai" {
		return fmt.Errorf("invalid AI provider %s (must be: anthropic, openai)", c.AI.Provider)
	}
	if c.AI.APIKey == "" {
		return fmt.Errorf("AI api_key is required (set ai.api_key or LOOM_AI_API_KEY)")
	}
	if c.AI.Model == "" {
		return fmt.Errorf("AI model is required")
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "memory" {
		return fmt.Errorf("invalid store driver %s (must be: sqlite, memory)", c.Store.Driver)
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be positive")
	}
	if c.RateLimit.PerWindow <= 0 {
		return fmt.Errorf("rate_limit.per_window must be positive")
	}
	if c.Sandbox.TimeoutSeconds <= 0 {
		return fmt.Errorf("sandbox.timeout_seconds must be positive")
	}
	return nil
}
