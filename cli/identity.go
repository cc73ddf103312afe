package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"voidwarp/crypto"
)

func newIdentityCommand(flags *globalFlags) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show this device's identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			if reset {
				if _, err := e.ResetIdentity(); err != nil {
					return fmt.Errorf("reset identity: %w", err)
				}
			}
			identity := e.Identity()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", identity.DeviceID)
			fmt.Fprintf(out, "Device Name:     %s\n", identity.DisplayName)
			fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(identity.DeviceID))
			fmt.Fprintf(out, "Data Directory:  %s\n", e.DataDir())
			fmt.Fprintf(out, "Save Directory:  %s\n", e.ReceivedDir())
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "replace the keypair; every peer has to pin the new key")
	return cmd
}
