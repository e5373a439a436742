// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/identity-harvester/internal/config"
)

// loadConfig is a variable so tests can inject configuration.
var loadConfig = config.Load

type options struct {
	configFile string
	envFile    string
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests records from an authenticated site using rotating identities.",
		Long: `harvester logs in with a pool of credentials, each paired with an egress
proxy, and walks item pages breadth-first. Sessions rotate after a randomized
number of items, misbehaving identities are quarantined, and every stored
record is flushed to disk before the run moves on.`,
		SilenceUsage: true,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadEnv(opts.envFile)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newIdentitiesCmd(opts))
	return cmd
}

// loadEnv applies a dotenv file. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}
