package commands

import (
	"fmt"
	"os"

	"github.com/go-fleetgate/fleetgate/internal/agent"
	"github.com/go-fleetgate/fleetgate/internal/version"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "edgeagent",
	Short: "FleetGate device agent",
	Long: `Keeps an outbound session to the FleetGate hub, executes delivered
commands at most once and installs skills from the catalog.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		version.PrintVersion("edgeagent")
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./edgeagent.yaml or /etc/edgeagent/edgeagent.yaml)")
	rootCmd.AddCommand(versionCmd)
}

// loadOptions reads the agent options named by --config
func loadOptions() (*agent.Options, error) {
	opts, err := agent.LoadOptions(configFile)
	if err != nil {
		return nil, err
	}
	return opts, nil
}
