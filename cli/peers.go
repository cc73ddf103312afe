package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"voidwarp/engine"
)

func newPeersCommand(flags *globalFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List devices found on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.StartDiscovery(e.Config().ReceiverPort()); err != nil {
				return fmt.Errorf("start discovery: %w", err)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			e.StopDiscovery()

			peers := e.Peers()
			if len(peers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no peers found")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRESSES\tORIGIN\tPINNED")
			for _, peer := range peers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					peer.DeviceID, peer.DeviceName, strings.Join(peer.Addresses(), ","), peer.Origin, e.IsPinned(peer.DeviceID))
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to listen for beacons")
	return cmd
}

// peerWait bounds how long send --peer listens for the named device.
const peerWait = 10 * time.Second

// waitForPeer polls the registry until deviceID shows up.
func waitForPeer(ctx context.Context, e *engine.Engine, deviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, peerWait)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if _, err := e.Candidates(deviceID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("peer %s not found: %w", deviceID, engine.ErrUnknownPeer)
		case <-ticker.C:
		}
	}
}
