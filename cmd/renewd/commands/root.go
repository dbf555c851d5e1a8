package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "renewd",
		Short: "renewd - unattended hosting contract renewal",
		Long: `renewd keeps a free hosting contract alive by walking the provider's
renewal flow on a schedule: portal login (with captcha and optional TOTP),
contract discovery, PIN trigger, mailbox PIN pickup and confirmation.

It is built to run from cron or a systemd timer. Each invocation performs
at most one renewal attempt, records the outcome, and computes when the
next attempt is due.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "renewd.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
