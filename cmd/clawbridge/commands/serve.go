package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/bridge"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels/discord"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels/telegram"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/engine"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/store"
)

// newServeCmd creates the `clawbridge serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge daemon",
		Long: `Start clawbridge as a daemon, connecting the enabled chat channels
and processing messages until interrupted.

Examples:
  clawbridge serve
  clawbridge serve --channel telegram
  clawbridge serve --config ./clawbridge.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (telegram, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// ── Resolve secrets ──
	bridge.ResolveTokens(&cfg, logger)

	// ── Channel filter ──
	channelFilter, _ := cmd.Flags().GetStringSlice("channel")
	if len(channelFilter) > 0 {
		filtered := make(map[string]map[string]any, len(channelFilter))
		for _, name := range channelFilter {
			if raw, ok := cfg.Channels[name]; ok {
				filtered[name] = raw
			} else {
				logger.Warn("channel requested but not configured", "channel", name)
			}
		}
		cfg.Channels = filtered
	}

	// ── Open store ──
	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// ── Register adapters ──
	registry := channels.NewRegistry()
	if err := telegram.Register(registry); err != nil {
		return err
	}
	if err := discord.Register(registry); err != nil {
		return err
	}

	// ── Wire and start ──
	runtime := engine.NewProcessRuntime(cfg.Runtime, logger)
	manager := bridge.NewManager(cfg, registry, st, runtime, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	logger.Info("clawbridge running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		manager.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads config from the explicit flag or a discovered file.
func resolveConfig(cmd *cobra.Command) (bridge.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := bridge.LoadConfig(configPath)
		if err != nil {
			return bridge.Config{}, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := findConfigFile(); found != "" {
		cfg, err := bridge.LoadConfig(found)
		if err != nil {
			return bridge.Config{}, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	return bridge.Config{}, fmt.Errorf("no configuration file found - run 'clawbridge setup' first")
}

// findConfigFile checks the conventional config locations in order.
func findConfigFile() string {
	candidates := []string{"clawbridge.yaml", "clawbridge.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "clawbridge", "config.yaml"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}
