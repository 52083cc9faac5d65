// Package bridge is the process-wide orchestrator: it owns the adapter
// lifecycle, fans inbound messages across per-session task chains, parses the
// chat command surface, and wires the router, engine, broker, and delivery
// layer together. All process-wide state lives on the Manager created by the
// composition root; there are no package globals.
package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/delivery"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/engine"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/router"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/store"
)

// LoggingConfig selects log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" (default) or "text"
}

// RateLimitConfig tunes the per-chat sliding window.
type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	Burst  int           `yaml:"burst"`
}

// Config holds all bridge configuration.
type Config struct {
	Logging  LoggingConfig `yaml:"logging"`
	Database store.Config  `yaml:"database"`

	// Channels maps channel type → raw adapter configuration. The adapter
	// factory decodes its own subtree; the key "enabled" is read here.
	Channels map[string]map[string]any `yaml:"channels"`

	// Defaults are applied when provisioning sessions.
	Defaults router.Defaults `yaml:"defaults"`

	// Runtime configures the assistant subprocess.
	Runtime engine.ProcessConfig `yaml:"runtime"`

	// Engine holds the turn defaults handed to the engine.
	Engine engine.Defaults `yaml:"engine"`

	Delivery  delivery.Options   `yaml:"delivery"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Lock      engine.LockOptions `yaml:"session_lock"`
}

// DefaultConfig returns a Config with working defaults for everything but
// tokens.
func DefaultConfig() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Database: store.Config{Path: "./data/clawbridge.db"},
		Channels: map[string]map[string]any{},
		Defaults: router.Defaults{Mode: "ask"},
		Delivery: delivery.DefaultOptions(),
		RateLimit: RateLimitConfig{
			Window: time.Minute,
			Burst:  20,
		},
		Lock: engine.DefaultLockOptions(),
	}
}

// LoadConfig reads a YAML config file, after loading a .env file next to it
// (if present) so ${VAR} references and token env lookups work.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	// Best effort: a missing .env is not an error.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML, creating parent directories.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// channelEnabled reads the "enabled" key of a raw channel subtree.
// A configured channel without the key counts as enabled.
func channelEnabled(raw map[string]any) bool {
	if raw == nil {
		return false
	}
	if v, ok := raw["enabled"]; ok {
		if b, isBool := v.(bool); isBool {
			return b
		}
		if s, isStr := v.(string); isStr {
			return strings.EqualFold(s, "true")
		}
	}
	return true
}
