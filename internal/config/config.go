// Package config loads the runtime configuration for the agent server from
// a YAML file, with environment variables substituted into the raw text
// before parsing so secrets never need to live in the file itself.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the agent server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP/SSE listener and session cookie.
type ServerConfig struct {
	Addr             string `yaml:"addr"`
	CookieSigningKey string `yaml:"cookie_signing_key"`
}

// ModelConfig configures the model gateway client.
type ModelConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	Model           string `yaml:"model"`
	ReasoningEffort string `yaml:"reasoning_effort"`
}

// SandboxConfig configures sandbox process construction and lifecycle
// defaults.
type SandboxConfig struct {
	AppName         string        `yaml:"app_name"`
	OverallDeadline time.Duration `yaml:"overall_deadline"`
	IdleDeadline    time.Duration `yaml:"idle_deadline"`
	CPUCores        float64       `yaml:"cpu_cores"`
	MemoryMB        int           `yaml:"memory_mb"`
	MaxRuntime      time.Duration `yaml:"max_runtime"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	InitScript      string        `yaml:"init_script"`

	// Backend selects the ProcessHost/RemoteFS implementation: "local"
	// (default, spawns cmd/sandboxdriver on this machine) or "daytona"
	// (a Daytona cloud sandbox per user).
	Backend string         `yaml:"backend"`
	Local   LocalConfig    `yaml:"local"`
	Daytona *DaytonaConfig `yaml:"daytona"`
}

// LocalConfig configures the local os/exec-based sandbox backend.
type LocalConfig struct {
	BaseDir      string `yaml:"base_dir"`
	DriverBinary string `yaml:"driver_binary"`
}

// DaytonaConfig configures the Daytona cloud sandbox backend. Unset APIKey,
// OrganizationID, APIURL and Target fall back to DAYTONA_API_KEY,
// DAYTONA_ORGANIZATION_ID, DAYTONA_API_URL and DAYTONA_TARGET; Snapshot,
// Image and WorkspaceDir are not read from the environment.
type DaytonaConfig struct {
	APIKey         string `yaml:"api_key"`
	OrganizationID string `yaml:"organization_id"`
	APIURL         string `yaml:"api_url"`
	Target         string `yaml:"target"`
	Snapshot       string `yaml:"snapshot"`
	Image          string `yaml:"image"`
	WorkspaceDir   string `yaml:"workspace_dir"`
}

// SessionConfig configures the Session Registry's TTL eviction.
type SessionConfig struct {
	IdleTTL  time.Duration `yaml:"idle_ttl"`
	Capacity int           `yaml:"capacity"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the runtime's baseline configuration values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Model: ModelConfig{
			Model:           "gpt-5-mini",
			ReasoningEffort: "low",
		},
		Sandbox: SandboxConfig{
			AppName:         "agent-sandbox",
			OverallDeadline: 2 * time.Hour,
			IdleDeadline:    30 * time.Minute,
			CPUCores:        4,
			MemoryMB:        4096,
			MaxRuntime:      300 * time.Second,
			PollInterval:    100 * time.Millisecond,
			Backend:         "local",
		},
		Session: SessionConfig{
			IdleTTL:  30 * time.Minute,
			Capacity: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path, expanding ${VAR} environment
// references in the raw text, and merges it over Defaults(). Keys absent
// from the file keep their default; a key set explicitly, even to a zero
// value, overwrites it.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that fields required to run (as opposed to merely
// defaulted) are present.
func (c *Config) Validate() error {
	if c.Model.APIKey == "" {
		return fmt.Errorf("config: model.api_key is required")
	}
	if c.Server.CookieSigningKey == "" {
		return fmt.Errorf("config: server.cookie_signing_key is required")
	}
	return nil
}
