// Package config layers agent configuration from defaults, an optional
// YAML file, and GEMLOOP_-prefixed environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/gemloop/gemloop/policy"
)

const envPrefix = "gemloop"

// configFileNames are searched in the working directory, then under the
// user config dir.
var configFileNames = []string{"gemloop.yaml", "gemloop.yml"}

// Truncation overrides the built-in tool output limits per tool name.
type Truncation struct {
	CharLimits map[string]int `yaml:"char_limits"`
	LineLimits map[string]int `yaml:"line_limits"`
}

// AgentScope is a spawnable sub-agent definition.
type AgentScope struct {
	SystemPrompt   string            `yaml:"system_prompt"`
	QueryTemplate  string            `yaml:"query_template"`
	Model          string            `yaml:"model"`
	MaxTimeMinutes int               `yaml:"max_time_minutes"`
	MaxTurns       int               `yaml:"max_turns"`
	Tools          []string          `yaml:"tools"`
	Outputs        map[string]string `yaml:"outputs"`
}

// Config is the full agent configuration.
type Config struct {
	Model    string `yaml:"model" envconfig:"MODEL"`
	Provider string `yaml:"provider" envconfig:"PROVIDER"`
	APIKey   string `yaml:"api_key" envconfig:"API_KEY"`

	ApprovalMode string   `yaml:"approval_mode" envconfig:"APPROVAL_MODE"`
	AllowedTools []string `yaml:"allowed_tools" envconfig:"ALLOWED_TOOLS"`
	DeniedTools  []string `yaml:"denied_tools" envconfig:"DENIED_TOOLS"`

	MaxToolRounds        int  `yaml:"max_tool_rounds" envconfig:"MAX_TOOL_ROUNDS"`
	MaxSubAgentDepth     int  `yaml:"max_subagent_depth" envconfig:"MAX_SUBAGENT_DEPTH"`
	DisableLoopDetection bool `yaml:"disable_loop_detection" envconfig:"DISABLE_LOOP_DETECTION"`

	ShellTimeoutSeconds int `yaml:"shell_timeout_seconds" envconfig:"SHELL_TIMEOUT_SECONDS"`

	Truncation Truncation `yaml:"truncation" envconfig:"-"`

	Agents map[string]AgentScope `yaml:"agents" envconfig:"-"`

	UserInstructions string `yaml:"user_instructions" envconfig:"USER_INSTRUCTIONS"`
	LogLevel         string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Model:               "gemini-3-flash-preview",
		ApprovalMode:        string(policy.ApprovalDefault),
		MaxToolRounds:       200,
		MaxSubAgentDepth:    1,
		ShellTimeoutSeconds: 120,
		LogLevel:            "info",
	}
}

// Load builds the effective configuration. path may be empty, in which
// case the standard locations are searched; a missing file is not an
// error, a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	filePath := path
	if filePath == "" {
		filePath = findConfigFile()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			if path != "" || !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("reading config file %s: %w", filePath, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", filePath, err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the agent cannot run with.
func (c Config) Validate() error {
	if c.Model == "" {
		return errors.New("model must not be empty")
	}
	switch policy.ApprovalMode(c.ApprovalMode) {
	case policy.ApprovalDefault, policy.ApprovalAutoEdit, policy.ApprovalYolo:
	default:
		return fmt.Errorf("unknown approval mode %q", c.ApprovalMode)
	}
	if c.MaxToolRounds < 0 {
		return fmt.Errorf("max_tool_rounds must not be negative, got %d", c.MaxToolRounds)
	}
	if c.MaxSubAgentDepth < 0 {
		return fmt.Errorf("max_subagent_depth must not be negative, got %d", c.MaxSubAgentDepth)
	}
	if c.ShellTimeoutSeconds < 0 {
		return fmt.Errorf("shell_timeout_seconds must not be negative, got %d", c.ShellTimeoutSeconds)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// PolicyMode returns the approval mode as its policy type.
func (c Config) PolicyMode() policy.ApprovalMode {
	return policy.ApprovalMode(c.ApprovalMode)
}

// Logger builds a slog logger at the configured level, writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func findConfigFile() string {
	for _, name := range configFileNames {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		for _, name := range configFileNames {
			p := filepath.Join(dir, "gemloop", name)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
