// Package config loads the host configuration: JSON file first, then
// environment overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type ServerConfig struct {
	// Command launches the tool-server child process that speaks the
	// wire protocol on stdio.
	Command string   `json:"command" env:"BIOHOST_SERVER_COMMAND"`
	Args    []string `json:"args" env:"BIOHOST_SERVER_ARGS" envSeparator:" "`

	StallTimeoutSec   int `json:"stall_timeout_sec" env:"BIOHOST_SERVER_STALL_TIMEOUT_SEC"`
	MaxCrashes        int `json:"max_crashes" env:"BIOHOST_SERVER_MAX_CRASHES"`
	CrashWindowSec    int `json:"crash_window_sec" env:"BIOHOST_SERVER_CRASH_WINDOW_SEC"`
	ReconnectEverySec int `json:"reconnect_every_sec" env:"BIOHOST_SERVER_RECONNECT_EVERY_SEC"`
}

type ModelsConfig struct {
	AnthropicAPIKey  string `json:"-" env:"ANTHROPIC_API_KEY"`
	AnthropicModel   string `json:"anthropic_model" env:"ANTHROPIC_MODEL"`
	AnthropicAPIBase string `json:"anthropic_api_base" env:"ANTHROPIC_API_BASE"`

	OpenAIAPIKey  string `json:"-" env:"OPENAI_API_KEY"`
	OpenAIModel   string `json:"openai_model" env:"OPENAI_MODEL"`
	OpenAIAPIBase string `json:"openai_api_base" env:"OPENAI_API_BASE"`

	GoogleAPIKey  string `json:"-" env:"GOOGLE_API_KEY"`
	GoogleModel   string `json:"google_model" env:"GOOGLE_MODEL"`
	GoogleAPIBase string `json:"google_api_base" env:"GOOGLE_API_BASE"`

	AliyunAPIKey  string `json:"-" env:"DASHSCOPE_API_KEY"`
	AliyunModel   string `json:"aliyun_model" env:"ALIYUN_MODEL"`
	AliyunAPIBase string `json:"aliyun_api_base" env:"ALIYUN_API_BASE"`

	MaxTokens   int     `json:"max_tokens" env:"BIOHOST_MAX_TOKENS"`
	Temperature float64 `json:"temperature" env:"BIOHOST_TEMPERATURE"`
}

type HostConfig struct {
	MaxToolIterations int `json:"max_tool_iterations" env:"BIOHOST_MAX_TOOL_ITERATIONS"`
	ToolTimeoutSec    int `json:"tool_timeout_sec" env:"BIOHOST_TOOL_TIMEOUT_SEC"`
	SessionIdleMin    int `json:"session_idle_min" env:"BIOHOST_SESSION_IDLE_MIN"`
}

type FilesConfig struct {
	DataDir string `json:"data_dir" env:"BIOHOST_DATA_DIR"`
}

type LogConfig struct {
	Level string `json:"level" env:"BIOHOST_LOG_LEVEL"`
	File  string `json:"file" env:"BIOHOST_LOG_FILE"`
}

type Config struct {
	Server ServerConfig `json:"server"`
	Models ModelsConfig `json:"models"`
	Host   HostConfig   `json:"host"`
	Files  FilesConfig  `json:"files"`
	Log    LogConfig    `json:"log"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			StallTimeoutSec:   30,
			MaxCrashes:        3,
			CrashWindowSec:    60,
			ReconnectEverySec: 2,
		},
		Models: ModelsConfig{
			MaxTokens:   4000,
			Temperature: 0.7,
		},
		Host: HostConfig{
			MaxToolIterations: 10,
			ToolTimeoutSec:    120,
			SessionIdleMin:    30,
		},
		Files: FilesConfig{
			DataDir: filepath.Join(home, ".biohost", "data"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (missing file is fine, defaults apply) and then lets
// the environment override.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON, creating parent directories.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
