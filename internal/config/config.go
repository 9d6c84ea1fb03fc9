// Package config loads and validates tether's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the tether daemon.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Agent       AgentConfig       `yaml:"agent"`
	Storage     StorageConfig     `yaml:"storage"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	// Token is the bot token from @BotFather. TELEGRAM_BOT_TOKEN overrides.
	Token string `yaml:"token"`

	// AllowedChatIDs restricts which chats may drive the agent. Required;
	// this gateway can run arbitrary commands, so there is no open mode.
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`
}

// AgentConfig configures the agent runtime subprocess.
type AgentConfig struct {
	// Bin is the agent CLI binary (default "claude").
	Bin string `yaml:"bin"`

	// Model overrides the runtime's default model when set.
	Model string `yaml:"model"`

	// WorkDir is the working directory new sessions start in.
	WorkDir string `yaml:"work_dir"`
}

// StorageConfig selects the durable session store.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file (sqlite driver only).
	Path string `yaml:"path"`

	// SessionTTL is how long idle sessions persist.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// ApprovalConfig configures the permission gate.
type ApprovalConfig struct {
	// Listen is the bind address of the approval server. Loopback only; the
	// agent subprocess is the sole intended client.
	Listen string `yaml:"listen"`

	// Timeout is how long an approval request waits for a human decision.
	Timeout time.Duration `yaml:"timeout"`

	// RoutingTTL is how long tool-use routing entries remain resolvable.
	RoutingTTL time.Duration `yaml:"routing_ttl"`
}

// MaintenanceConfig configures background pruning.
type MaintenanceConfig struct {
	// Schedule is a cron spec for store pruning (default "@every 10m").
	Schedule string `yaml:"schedule"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path, expands ${ENV} references, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("TETHER_ALLOWED_CHAT_IDS"); v != "" {
		var ids []int64
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err == nil {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			c.Telegram.AllowedChatIDs = ids
		}
	}
	if v := os.Getenv("TETHER_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Agent.Bin == "" {
		c.Agent.Bin = "claude"
	}
	if c.Agent.WorkDir == "" {
		c.Agent.WorkDir = "."
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.SessionTTL <= 0 {
		c.Storage.SessionTTL = 3 * time.Hour
	}
	if c.Approval.Listen == "" {
		c.Approval.Listen = "127.0.0.1:3002"
	}
	if c.Approval.Timeout <= 0 {
		c.Approval.Timeout = 5 * time.Minute
	}
	if c.Approval.RoutingTTL <= 0 {
		c.Approval.RoutingTTL = 30 * time.Minute
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@every 10m"
	}
}

// Validate checks required fields and value constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set TELEGRAM_BOT_TOKEN)")
	}
	if len(c.Telegram.AllowedChatIDs) == 0 {
		return fmt.Errorf("telegram.allowed_chat_ids is required (or set TETHER_ALLOWED_CHAT_IDS)")
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	host, _, err := splitHostPort(c.Approval.Listen)
	if err != nil {
		return fmt.Errorf("approval.listen: %w", err)
	}
	if host != "127.0.0.1" && host != "localhost" && host != "::1" {
		return fmt.Errorf("approval.listen must bind loopback, got %q", host)
	}
	return nil
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", "", fmt.Errorf("missing port in %q", addr)
	}
	return strings.Trim(addr[:i], "[]"), addr[i+1:], nil
}
