// Command questforge runs and administers the structured generation service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	settings   Settings
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "questforge",
		Short:         "Structured tabletop RPG content generation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := LoadSettings()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("config") {
				s.Config = configPath
			}
			settings = s
			setupLogger(s)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "questforge.yaml", "providers and orchestrator config file")

	root.AddCommand(
		newGenerateCmd(),
		newSchemasCmd(),
		newAllotCmd(),
		newSweepCmd(),
		newRolloverCmd(),
		newRunCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
