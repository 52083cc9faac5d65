package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/bridge"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/security"
)

// newSetupCmd creates the `clawbridge setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create clawbridge.yaml.
Bot tokens go to the OS keyring, never into the config file.

Examples:
  clawbridge setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := bridge.DefaultConfig()

	var (
		channel      string
		token        string
		allowedChats string
		workDir      string
		model        string
		mode         = cfg.Defaults.Mode
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Chat platform").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Discord", "discord"),
				).
				Value(&channel),
			huh.NewInput().
				Title("Bot token").
				Description("Stored in the OS keyring, not in the config file.").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("token is required")
					}
					return nil
				}).
				Value(&token),
			huh.NewInput().
				Title("Allowed chat ids").
				Description("Comma-separated numeric ids. Empty allows no one.").
				Value(&allowedChats),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Default working directory").
				Placeholder("/home/you/projects").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("working directory is required")
					}
					_, err := security.ValidateWorkingDirectory(strings.TrimSpace(s))
					return err
				}).
				Value(&workDir),
			huh.NewInput().
				Title("Model").
				Description("Leave empty for the runtime default.").
				Value(&model),
			huh.NewSelect[string]().
				Title("Permission mode").
				Options(
					huh.NewOption("ask — approve each tool use in chat", "ask"),
					huh.NewOption("plan — read-only planning", "plan"),
					huh.NewOption("code — run tools without asking", "code"),
				).
				Value(&mode),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	chats, err := parseChatIDs(allowedChats)
	if err != nil {
		return err
	}

	cfg.Defaults.WorkingDirectory = strings.TrimSpace(workDir)
	cfg.Defaults.Model = strings.TrimSpace(model)
	cfg.Defaults.Mode = mode
	cfg.Channels = map[string]map[string]any{
		channel: {
			"enabled":       true,
			"allowed_chats": chats,
		},
	}

	target := "clawbridge.yaml"
	if _, err := os.Stat(target); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(target + " already exists. Overwrite?").
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Setup cancelled. Existing file kept.")
			return nil
		}
	}

	if err := bridge.SaveConfig(target, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	tokenStored := true
	if err := bridge.StoreToken(channel, token); err != nil {
		tokenStored = false
		fmt.Printf("Could not store the token in the OS keyring: %v\n", err)
		fmt.Printf("Set CLAWBRIDGE_%s_TOKEN in the environment instead.\n", strings.ToUpper(channel))
	}

	fmt.Println()
	fmt.Printf("%s created.\n", target)
	if tokenStored {
		fmt.Println("Bot token stored in the OS keyring.")
	}
	fmt.Println()
	fmt.Println("Next: clawbridge serve")
	return nil
}

// parseChatIDs parses a comma-separated id list.
func parseChatIDs(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
