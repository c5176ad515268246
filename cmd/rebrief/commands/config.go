package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cogfold/rebrief/pkg/rebrief/composer"
)

// newConfigCmd creates the `rebrief config` command that prints the
// effective configuration after defaults, file, and env expansion.
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Print the configuration the engine would actually run with:
defaults overlaid with the config file and expanded environment
variables. Secrets are masked.

Examples:
  rebrief config
  rebrief config -c configs/rebrief.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			// Never print resolved credentials.
			masked := *cfg
			if masked.API.APIKey != "" && !composer.IsEnvReference(masked.API.APIKey) {
				masked.API.APIKey = "(set)"
			}

			data, err := yaml.Marshal(&masked)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}

			if path == "" {
				fmt.Println("# no config file found, showing defaults")
			} else {
				fmt.Printf("# %s\n", path)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
