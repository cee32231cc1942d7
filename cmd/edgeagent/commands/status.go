package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-fleetgate/fleetgate/internal/agent"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the local status report as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		ledger, err := agent.OpenLedger(cmd.Context(), opts.LedgerPath())
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer ledger.Close()

		report, err := agent.Snapshot(cmd.Context(), ledger)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
