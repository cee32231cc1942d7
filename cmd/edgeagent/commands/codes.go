package commands

import (
	"context"
	"fmt"

	"github.com/go-fleetgate/fleetgate/internal/agent"
	"github.com/go-fleetgate/fleetgate/internal/credential"

	"github.com/spf13/cobra"
)

var deriveCodeCmd = &cobra.Command{
	Use:   "derive-code",
	Short: "Print the pairing code derived from the factory secret",
	Long: `Prints the code an owner types to claim a factory-fresh device. It is
printed on the device label at manufacture and never changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, secret, verifier, err := loadSecret()
		if err != nil {
			return err
		}
		fmt.Println(credential.DeriveCode(verifier, opts.DeviceID, secret))
		return nil
	},
}

var resetCodeCmd = &cobra.Command{
	Use:   "reset-code",
	Short: "Print the physical reset code for the current transfer generation",
	Long: `Prints the code that proves physical possession during an ownership
transfer. It changes after every completed transfer; the agent learns the
current generation from the hub on connect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, secret, verifier, err := loadSecret()
		if err != nil {
			return err
		}
		ledger, err := agent.OpenLedger(cmd.Context(), opts.LedgerPath())
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer ledger.Close()

		code, err := resetCode(cmd.Context(), ledger, verifier, opts.DeviceID, secret)
		if err != nil {
			return err
		}
		fmt.Println(code)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deriveCodeCmd, resetCodeCmd)
}

func loadSecret() (*agent.Options, []byte, credential.Verifier, error) {
	opts, err := loadOptions()
	if err != nil {
		return nil, nil, nil, err
	}
	if opts.DeviceID == "" {
		return nil, nil, nil, fmt.Errorf("device_id must be set")
	}
	secret, err := opts.LoadFactorySecret()
	if err != nil {
		return nil, nil, nil, err
	}
	verifier, err := credential.New(opts.CredentialScheme)
	if err != nil {
		return nil, nil, nil, err
	}
	return opts, secret, verifier, nil
}

func resetCode(
	ctx context.Context,
	ledger *agent.Ledger,
	verifier credential.Verifier,
	deviceID string,
	secret []byte,
) (string, error) {
	generation, err := ledger.TransferGeneration(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read transfer generation: %w", err)
	}
	return credential.FormatCode(verifier.Derive(secret, credential.PurposeReset, deviceID, generation)), nil
}
