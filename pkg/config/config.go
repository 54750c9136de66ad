// Package config loads runtime configuration from environment variables and
// an optional YAML file. Environment always wins over file values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/pivotagent/pivot/pkg/observability"
)

// ExecutionMode selects how tool calls are executed.
type ExecutionMode string

const (
	ExecutionModeLocal         ExecutionMode = "local"
	ExecutionModePodmanSidecar ExecutionMode = "podman_sidecar"
)

// ConfigError indicates invalid or missing configuration; fatal at startup.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SidecarConfig struct {
	PodmanHost     string   `yaml:"podman_host"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Network        string   `yaml:"network"`
	Image          string   `yaml:"image"`
	Volumes        []string `yaml:"volumes"`
}

type ToolsConfig struct {
	ExecutionMode ExecutionMode `yaml:"execution_mode"`
	BuiltinDir    string        `yaml:"builtin_dir"`
	UserDir       string        `yaml:"user_dir"`
	Sidecar       SidecarConfig `yaml:"sidecar"`
}

type LLMConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type Config struct {
	DatabaseURL string       `yaml:"database_url"`
	SecretKey   string       `yaml:"secret_key"`
	Server      ServerConfig `yaml:"server"`
	Tools       ToolsConfig  `yaml:"tools"`
	LLM         LLMConfig    `yaml:"llm"`
	LogLevel    string       `yaml:"log_level"`
	LogFormat   string       `yaml:"log_format"`

	Tracing observability.TracerConfig  `yaml:"tracing"`
	Metrics observability.MetricsConfig `yaml:"metrics"`
}

// Load reads the optional YAML file at path (empty path skips it), expands
// ${VAR} references in its raw bytes, then overlays environment variables.
func Load(path string) (*Config, error) {
	LoadEnvFiles()

	cfg := &Config{}
	cfg.SetDefaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Field: "config_file", Message: err.Error()}
		}
		expanded := expandEnvVars(string(raw))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, &ConfigError{Field: "config_file", Message: err.Error()}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) SetDefaults() {
	c.DatabaseURL = "sqlite://pivot.db"
	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8080
	c.Tools.ExecutionMode = ExecutionModeLocal
	c.Tools.Sidecar.PodmanHost = "unix:///run/podman/podman.sock"
	c.Tools.Sidecar.TimeoutSeconds = 60
	c.Tools.Sidecar.Network = "none"
	c.LLM.TimeoutSeconds = 120
	c.LogLevel = "info"
	c.LogFormat = "simple"
	c.Tracing.SamplingRate = 1.0
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		c.SecretKey = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("TOOL_EXECUTION_MODE"); v != "" {
		c.Tools.ExecutionMode = ExecutionMode(v)
	}
	if v := os.Getenv("TOOL_BUILTIN_DIR"); v != "" {
		c.Tools.BuiltinDir = v
	}
	if v := os.Getenv("TOOL_USER_DIR"); v != "" {
		c.Tools.UserDir = v
	}
	if v := os.Getenv("PODMAN_HOST"); v != "" {
		c.Tools.Sidecar.PodmanHost = v
	}
	if v := os.Getenv("TOOL_SIDECAR_TIMEOUT_SECONDS"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			c.Tools.Sidecar.TimeoutSeconds = seconds
		}
	}
	if v := os.Getenv("TOOL_SIDECAR_NETWORK"); v != "" {
		c.Tools.Sidecar.Network = v
	}
	if v := os.Getenv("TOOL_SIDECAR_IMAGE"); v != "" {
		c.Tools.Sidecar.Image = v
	}
	if v := os.Getenv("LLM_TIMEOUT_SECONDS"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			c.LLM.TimeoutSeconds = seconds
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return &ConfigError{Field: "SECRET_KEY", Message: "must be set"}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigError{Field: "SERVER_PORT", Message: fmt.Sprintf("invalid port %d", c.Server.Port)}
	}
	switch c.Tools.ExecutionMode {
	case ExecutionModeLocal, ExecutionModePodmanSidecar:
	default:
		return &ConfigError{
			Field:   "TOOL_EXECUTION_MODE",
			Message: fmt.Sprintf("must be %q or %q, got %q", ExecutionModeLocal, ExecutionModePodmanSidecar, c.Tools.ExecutionMode),
		}
	}
	if c.Tools.ExecutionMode == ExecutionModePodmanSidecar {
		if c.Tools.Sidecar.Image == "" {
			return &ConfigError{Field: "TOOL_SIDECAR_IMAGE", Message: "required in podman_sidecar mode"}
		}
		if c.Tools.Sidecar.TimeoutSeconds <= 0 {
			return &ConfigError{Field: "TOOL_SIDECAR_TIMEOUT_SECONDS", Message: "must be positive"}
		}
	}
	return nil
}
