package commands

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/cogfold/rebrief/pkg/rebrief/composer"
)

// newKeysCmd creates the `rebrief keys` command group for managing
// credentials in the OS keyring.
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage credentials in the OS keyring",
		Long: `Store, inspect, and remove inference credentials in the operating
system keyring. The keyring is checked before environment variables, so a
stored key wins over .env and config values.

Examples:
  rebrief keys set
  rebrief keys get
  rebrief keys delete
  rebrief keys check`,
	}

	cmd.AddCommand(
		newKeysSetCmd(),
		newKeysGetCmd(),
		newKeysDeleteCmd(),
		newKeysCheckCmd(),
	)
	return cmd
}

// keyName resolves the positional key argument, defaulting to the API key
// slot the engine reads.
func keyName(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "api_key"
}

func newKeysSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [name]",
		Short: "Store a credential (prompted, never echoed)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := keyName(args)
			var value string
			prompt := huh.NewInput().
				Title(fmt.Sprintf("Value for %q", name)).
				EchoMode(huh.EchoModePassword).
				Value(&value)
			if err := prompt.Run(); err != nil {
				return fmt.Errorf("prompt aborted: %w", err)
			}
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}
			if err := composer.StoreKeyring(name, value); err != nil {
				return fmt.Errorf("storing %q in keyring: %w", name, err)
			}
			fmt.Printf("Stored %q in the OS keyring.\n", name)
			return nil
		},
	}
}

func newKeysGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [name]",
		Short: "Check whether a credential is stored",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := keyName(args)
			if composer.GetKeyring(name) == "" {
				return fmt.Errorf("no credential stored under %q", name)
			}
			// Presence only; the value never hits stdout.
			fmt.Printf("Credential %q is stored.\n", name)
			return nil
		},
	}
}

func newKeysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [name]",
		Short: "Remove a credential from the keyring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := keyName(args)
			if err := composer.DeleteKeyring(name); err != nil {
				return fmt.Errorf("deleting %q from keyring: %w", name, err)
			}
			fmt.Printf("Deleted %q from the OS keyring.\n", name)
			return nil
		},
	}
}

func newKeysCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the OS keyring is usable",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !composer.KeyringAvailable() {
				return fmt.Errorf("OS keyring unavailable; fall back to environment variables")
			}
			fmt.Println("OS keyring is available.")
			return nil
		},
	}
}
