package bridge

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the OS keyring service name for bridge secrets.
const keyringService = "clawbridge"

// ResolveTokens fills in missing adapter tokens, per channel, from the OS
// keyring first and the environment second (CLAWBRIDGE_<CHANNEL>_TOKEN).
// A token written in the config file is left as-is but logged, so hardcoded
// credentials do not go unnoticed.
func ResolveTokens(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for name, raw := range cfg.Channels {
		if raw == nil {
			continue
		}
		if tok, ok := raw["token"].(string); ok && tok != "" {
			logger.Warn("channel token is hardcoded in the config file; prefer keyring or env",
				"channel", name)
			continue
		}

		if tok, err := keyring.Get(keyringService, name+"_token"); err == nil && tok != "" {
			raw["token"] = tok
			logger.Debug("token resolved from keyring", "channel", name)
			continue
		}

		envKey := fmt.Sprintf("CLAWBRIDGE_%s_TOKEN", strings.ToUpper(name))
		if tok := os.Getenv(envKey); tok != "" {
			raw["token"] = tok
			logger.Debug("token resolved from environment", "channel", name, "var", envKey)
		}
	}
}

// StoreToken saves a channel token in the OS keyring.
func StoreToken(channel, token string) error {
	if err := keyring.Set(keyringService, channel+"_token", token); err != nil {
		return fmt.Errorf("store %s token in keyring: %w", channel, err)
	}
	return nil
}
