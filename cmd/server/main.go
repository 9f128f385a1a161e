package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configFile string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "pm-lifecycle",
		Short: "Project lifecycle service: approval routing and stage/node flow",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// config.Load reads the file name from the environment.
			if opts.configFile != "" {
				return os.Setenv("PM_CONFIG_FILE", opts.configFile)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file (overrides PM_CONFIG_FILE)")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSeedCommand())
	cmd.AddCommand(newProjectCommand())

	return cmd
}
