package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/bridge"
)

// newConfigCmd creates the `clawbridge config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigInitCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			redactTokens(&cfg)
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default clawbridge.yaml",
		RunE: func(_ *cobra.Command, _ []string) error {
			target := "clawbridge.yaml"
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists", target)
			}
			if err := bridge.SaveConfig(target, bridge.DefaultConfig()); err != nil {
				return err
			}
			fmt.Printf("%s created. Edit it, then run 'clawbridge serve'.\n", target)
			return nil
		},
	}
}

// redactTokens masks any token values before printing.
func redactTokens(cfg *bridge.Config) {
	for _, raw := range cfg.Channels {
		if _, ok := raw["token"]; ok {
			raw["token"] = "****"
		}
	}
}
