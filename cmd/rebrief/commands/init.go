package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/cogfold/rebrief/pkg/rebrief/composer"
)

// newInitCmd creates the `rebrief init` command: an interactive wizard
// that writes a starting config.yaml.
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long: `Walk through the essential settings and write a config.yaml.
Credentials never go into the file; store them with 'rebrief keys set'
or export the provider's environment variable.

Examples:
  rebrief init
  rebrief init --output configs/rebrief.yaml`,
		RunE: runInit,
	}

	cmd.Flags().StringP("output", "o", "config.yaml", "where to write the configuration")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	output, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(output); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", output)
	}

	defaults := composer.DefaultConfig()
	name := defaults.Name
	provider := defaults.API.Provider
	model := defaults.Model
	concurrency := strconv.Itoa(defaults.Queue.Concurrency)
	dataDir := defaults.Storage.DataDir
	maintenance := defaults.Scheduler.Enabled

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Agent name").
				Description("How the agent signs its own transcript messages.").
				Value(&name),
			huh.NewSelect[string]().
				Title("Inference provider").
				Options(huh.NewOptions(
					"openai", "anthropic", "google", "mistral",
					"deepseek", "openrouter", "zai", "custom",
				)...).
				Value(&provider),
			huh.NewInput().
				Title("Default model").
				Description("Model ID, e.g. gpt-4o-mini or claude-sonnet-4-5.").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Backend concurrency").
				Description("Concurrent inference calls. 1 for a local model, 0 for unlimited.").
				Value(&concurrency).
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return fmt.Errorf("must be a number")
					}
					return nil
				}),
			huh.NewInput().
				Title("Data directory").
				Description("Where the settings database and chat history live.").
				Value(&dataDir),
			huh.NewConfirm().
				Title("Enable background maintenance?").
				Description("Cache sweeps, keyword decay, and proposal refreshes on a schedule.").
				Value(&maintenance),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("wizard aborted: %w", err)
	}

	cfg := defaults
	cfg.Name = name
	cfg.API.Provider = provider
	cfg.Model = model
	cfg.Queue.Concurrency, _ = strconv.Atoi(concurrency)
	cfg.Storage.DataDir = dataDir
	cfg.Scheduler.Enabled = maintenance

	if err := composer.SaveConfigToFile(cfg, output); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", output)
	fmt.Printf("Next: store your %s credential with 'rebrief keys set', then run 'rebrief chat'.\n", provider)
	return nil
}
