package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/renewd/renewd/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file without contacting the provider.

This checks YAML syntax, required fields, value ranges, and that every
secret is reachable either from the file or from the RENEWD_* environment
variables.`,
		Example: `  renewd validate --config /etc/renewd/renewd.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fmt.Printf("Configuration %s is valid.\n", configPath)
			fmt.Printf("  provider: %s\n", cfg.Provider.BaseURL)
			fmt.Printf("  account:  %s\n", cfg.Credentials.Username)
			fmt.Printf("  mailbox:  %s on %s\n", cfg.Mailbox.Username, cfg.Mailbox.Address)
			if _, ok := cfg.ClassifierConfig(); ok {
				fmt.Println("  captcha:  local classifier + remote fallback configured")
			} else if _, ok := cfg.RemoteSolverConfig(); ok {
				fmt.Println("  captcha:  remote solver only")
			} else {
				fmt.Println("  captcha:  no solver configured (captcha-gated logins will fail)")
			}
			if cfg.Credentials.TOTPSecret != "" {
				fmt.Println("  2fa:      TOTP enabled")
			}
			return nil
		},
	}

	return cmd
}
