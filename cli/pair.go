package cli

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"voidwarp/config"
	"voidwarp/crypto"
	"voidwarp/models"
)

type pairFlags struct {
	listen bool
	addr   string
	peer   string
	code   string
}

func newPairCommand(flags *globalFlags) *cobra.Command {
	pf := &pairFlags{}
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pin a peer's key using a six digit code",
		Long: `Run "voidwarp pair --listen" on one device. It prints a code.
Then run "voidwarp pair --peer ip:port --code XXX-XXX" on the other.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pf.listen == (pf.peer != "") {
				return errors.New("use either --listen or --peer with --code")
			}
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var peer models.PeerIdentity
			if pf.listen {
				code, err := e.GeneratePairingCode()
				if err != nil {
					return err
				}
				addr := pf.addr
				if addr == "" {
					addr = net.JoinHostPort("", strconv.Itoa(config.DefaultListeningPort))
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Pairing code: %s (listening on %s)\n", code, addr)
				peer, err = e.ListenForPairing(ctx, addr)
				if err != nil {
					return fmt.Errorf("pairing failed: %w", err)
				}
			} else {
				if pf.code == "" {
					return errors.New("--code is required with --peer")
				}
				peer, err = e.Pair(ctx, pf.peer, pf.code)
				if err != nil {
					return fmt.Errorf("pairing failed: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paired with %s (%s)\n", peer.DisplayName, crypto.FormatFingerprint(peer.DeviceID))
			return nil
		},
	}
	cmd.Flags().BoolVar(&pf.listen, "listen", false, "show a code and wait for the other device")
	cmd.Flags().StringVar(&pf.addr, "addr", "", "address to listen on with --listen")
	cmd.Flags().StringVar(&pf.peer, "peer", "", "address (ip:port) of the listening device")
	cmd.Flags().StringVar(&pf.code, "code", "", "code shown by the listening device")
	return cmd
}
