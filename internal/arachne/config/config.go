// Package config loads Arachne configuration from the environment, with an
// optional YAML file as a base layer. Environment variables always win over
// file values so deployments can override a checked-in config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arachne-mcp/arachne/common/environment"
)

// Defaults for the message bus knobs.
const (
	DefaultQueueTTL      = 15 * time.Minute
	MaxQueueTTL          = time.Hour
	DefaultQueueCap      = 500
	DefaultSweepInterval = 60 * time.Second
)

// Config holds every runtime knob. Components receive the parts they need
// through their constructors; nothing reads the environment after Load.
type Config struct {
	// BotToken is the Discord bot token the shared gateway connection uses.
	BotToken string `yaml:"bot_token"`
	// ClientID / ClientSecret are the Discord OAuth application credentials
	// used for the identity leg of the authorization flow.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// JWTSecret signs OAuth access tokens and dashboard session tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// BaseURL is the externally reachable base URL of the HTTP server,
	// without a trailing slash (e.g. "https://arachne.example.com").
	BaseURL string `yaml:"base_url"`
	// DataDir holds the SQLite database and avatar files.
	DataDir string `yaml:"data_dir"`
	// HTTPAddr is the listen address for the HTTP server (MCP + OAuth + API).
	HTTPAddr string `yaml:"http_addr"`

	// QueueTTL is the per-message lifetime in the bus. Clamped to MaxQueueTTL.
	QueueTTL time.Duration `yaml:"queue_ttl"`
	// QueueCap is the per-entity queue bound.
	QueueCap int `yaml:"queue_cap"`
	// SweepInterval is the bus eviction period.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// OperatorIDs is the allowlist of Discord user ids with operator rights.
	OperatorIDs []string `yaml:"operator_ids"`
}

// Load builds a Config from the optional YAML file named by ARACHNE_CONFIG
// and the environment. Missing required values are reported together so the
// operator fixes one restart's worth of problems, not one per restart.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:       "./data",
		HTTPAddr:      ":8080",
		QueueTTL:      DefaultQueueTTL,
		QueueCap:      DefaultQueueCap,
		SweepInterval: DefaultSweepInterval,
	}

	if path := os.Getenv("ARACHNE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.BotToken = environment.StringOr("DISCORD_TOKEN", cfg.BotToken)
	cfg.ClientID = environment.StringOr("DISCORD_CLIENT_ID", cfg.ClientID)
	cfg.ClientSecret = environment.StringOr("DISCORD_CLIENT_SECRET", cfg.ClientSecret)
	cfg.JWTSecret = environment.StringOr("JWT_SECRET", cfg.JWTSecret)
	cfg.BaseURL = environment.StringOr("BASE_URL", cfg.BaseURL)
	cfg.DataDir = environment.StringOr("DATA_DIR", cfg.DataDir)
	cfg.HTTPAddr = environment.StringOr("HTTP_ADDR", cfg.HTTPAddr)
	cfg.QueueTTL = environment.DurationOr("QUEUE_TTL", cfg.QueueTTL)
	cfg.QueueCap = environment.IntOr("QUEUE_CAP", cfg.QueueCap)
	cfg.SweepInterval = environment.DurationOr("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.OperatorIDs = environment.StringSliceOr("OPERATOR_IDS", cfg.OperatorIDs)

	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = DefaultQueueTTL
	}
	if cfg.QueueTTL > MaxQueueTTL {
		cfg.QueueTTL = MaxQueueTTL
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	var missing []string
	for _, req := range []struct{ name, val string }{
		{"DISCORD_TOKEN", cfg.BotToken},
		{"DISCORD_CLIENT_ID", cfg.ClientID},
		{"DISCORD_CLIENT_SECRET", cfg.ClientSecret},
		{"JWT_SECRET", cfg.JWTSecret},
		{"BASE_URL", cfg.BaseURL},
	} {
		if req.val == "" {
			missing = append(missing, req.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required settings: %v", missing)
	}

	return cfg, nil
}

// DatabasePath returns the SQLite file path under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "arachne.db")
}
