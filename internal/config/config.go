// Package config loads relayd configuration from $RELAY_HOME/config.yaml
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/relay/internal/otel"
)

// DockerConfig configures the container executor driver.
type DockerConfig struct {
	// Image is the base image fresh containers are created from.
	Image string `yaml:"image"`
	// MemoryMB caps container memory. 0 uses the default.
	MemoryMB int64 `yaml:"memory_mb"`
	// Network is the docker network mode for sandbox containers.
	Network string `yaml:"network"`
	// AgentCommand is the path of the agent binary inside the container.
	AgentCommand string `yaml:"agent_command"`
	// Workdir is the directory setup commands and the agent run in.
	Workdir string `yaml:"workdir"`
}

// ServerlessConfig configures the snapshot-capable sandbox runtime driver.
type ServerlessConfig struct {
	// BaseURL is the sandbox runtime API endpoint.
	BaseURL string `yaml:"base_url"`
	// Token authenticates relay calls to the runtime API.
	// Override: SANDBOX_API_TOKEN.
	Token string `yaml:"token"`
	// BaseImage is used for cold creates when no snapshot exists.
	BaseImage string `yaml:"base_image"`
	// ExecTimeoutMS bounds each exec call against the runtime.
	ExecTimeoutMS int `yaml:"exec_timeout_ms"`
	// AgentCommand is the path of the agent binary inside the sandbox.
	AgentCommand string `yaml:"agent_command"`
	// Workdir is the directory setup commands and the agent run in.
	Workdir string `yaml:"workdir"`
}

// ReaperConfig configures the idle-session sweep.
type ReaperConfig struct {
	// Schedule is a standard 5-field cron expression for the sweep.
	Schedule string `yaml:"schedule"`
	// IdleAfterMinutes is the inactivity threshold before a running
	// session is stopped and marked idle.
	IdleAfterMinutes int `yaml:"idle_after_minutes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// TokenSecret signs capability tokens. Override: RELAY_TOKEN_SECRET.
	TokenSecret string `yaml:"token_secret"`
	// TokenTTLHours bounds capability token lifetime. Hour scale on purpose.
	TokenTTLHours int `yaml:"token_ttl_hours"`

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// PendingFlushDelayMS is the wait after ingress attach before pending
	// events are flushed. A readiness heuristic, not a handshake: the
	// sandbox runtime has no ready signal to wait on.
	PendingFlushDelayMS int `yaml:"pending_flush_delay_ms"`

	// RelayBaseURL is the externally reachable URL sandboxes connect back to.
	RelayBaseURL string `yaml:"relay_base_url"`
	// GitProxyURL is the smart-HTTP git proxy sandbox clones route through.
	GitProxyURL string `yaml:"git_proxy_url"`

	Docker     DockerConfig     `yaml:"docker"`
	Serverless ServerlessConfig `yaml:"serverless"`
	Reaper     ReaperConfig     `yaml:"reaper"`
	OTel       otel.Config      `yaml:"otel"`
}

func DefaultHomeDir() string {
	if v := strings.TrimSpace(os.Getenv("RELAY_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relayd")
}

// Load reads config.yaml from the home directory, applies defaults and
// environment overrides. A missing file is not an error; defaults apply.
func Load() (*Config, error) {
	return LoadFrom(DefaultHomeDir())
}

func LoadFrom(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RELAY_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("RELAY_BASE_URL"); v != "" {
		cfg.RelayBaseURL = v
	}
	if v := os.Getenv("RELAY_GIT_PROXY_URL"); v != "" {
		cfg.GitProxyURL = v
	}
	if v := os.Getenv("SANDBOX_API_URL"); v != "" {
		cfg.Serverless.BaseURL = v
	}
	if v := os.Getenv("SANDBOX_API_TOKEN"); v != "" {
		cfg.Serverless.Token = v
	}
	if v := os.Getenv("RELAY_TOKEN_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TokenTTLHours = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "relay.db")
	}
	if cfg.TokenTTLHours <= 0 {
		cfg.TokenTTLHours = 8
	}
	if cfg.PendingFlushDelayMS <= 0 {
		cfg.PendingFlushDelayMS = 2000
	}
	if cfg.RelayBaseURL == "" {
		cfg.RelayBaseURL = "http://" + cfg.BindAddr
	}

	if cfg.Docker.Image == "" {
		cfg.Docker.Image = "ghcr.io/basket/relay-sandbox:latest"
	}
	if cfg.Docker.MemoryMB <= 0 {
		cfg.Docker.MemoryMB = 4096
	}
	if cfg.Docker.Network == "" {
		cfg.Docker.Network = "bridge"
	}
	if cfg.Docker.AgentCommand == "" {
		cfg.Docker.AgentCommand = "/usr/local/bin/agent"
	}
	if cfg.Docker.Workdir == "" {
		cfg.Docker.Workdir = "/workspace"
	}

	if cfg.Serverless.BaseImage == "" {
		cfg.Serverless.BaseImage = "relay-sandbox-base"
	}
	if cfg.Serverless.ExecTimeoutMS <= 0 {
		cfg.Serverless.ExecTimeoutMS = 120000
	}
	if cfg.Serverless.AgentCommand == "" {
		cfg.Serverless.AgentCommand = "/usr/local/bin/agent"
	}
	if cfg.Serverless.Workdir == "" {
		cfg.Serverless.Workdir = "/workspace"
	}

	if cfg.Reaper.Schedule == "" {
		cfg.Reaper.Schedule = "*/5 * * * *"
	}
	if cfg.Reaper.IdleAfterMinutes <= 0 {
		cfg.Reaper.IdleAfterMinutes = 30
	}
}

func validate(cfg *Config) error {
	if cfg.PendingFlushDelayMS > 60000 {
		return fmt.Errorf("pending_flush_delay_ms %d exceeds 60s", cfg.PendingFlushDelayMS)
	}
	if cfg.TokenTTLHours > 24 {
		return fmt.Errorf("token_ttl_hours %d exceeds 24; capability tokens are hour-scale", cfg.TokenTTLHours)
	}
	return nil
}

// TokenTTL returns the capability token lifetime as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// IdleAfter returns the reaper inactivity threshold as a duration.
func (c *Config) IdleAfter() time.Duration {
	return time.Duration(c.Reaper.IdleAfterMinutes) * time.Minute
}

// PendingFlushDelay returns the post-attach flush delay as a duration.
func (c *Config) PendingFlushDelay() time.Duration {
	return time.Duration(c.PendingFlushDelayMS) * time.Millisecond
}
