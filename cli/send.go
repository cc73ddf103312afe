package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"voidwarp/engine"
)

type sendFlags struct {
	to   string
	peer string
}

func newSendCommand(flags *globalFlags) *cobra.Command {
	sf := &sendFlags{}
	cmd := &cobra.Command{
		Use:   "send <path>",
		Short: "Send a file or folder to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (sf.to == "") == (sf.peer == "") {
				return errors.New("exactly one of --to or --peer is required")
			}
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()
			return runSend(cmd, e, args[0], sf)
		},
	}
	cmd.Flags().StringVar(&sf.to, "to", "", "receiver address as ip:port")
	cmd.Flags().StringVar(&sf.peer, "peer", "", "device id of a discovered or manual peer")
	return cmd
}

func runSend(cmd *cobra.Command, e *engine.Engine, path string, sf *sendFlags) error {
	candidates := []string{sf.to}
	if sf.peer != "" {
		if err := e.StartDiscovery(e.Config().ReceiverPort()); err != nil {
			return fmt.Errorf("start discovery: %w", err)
		}
		if err := waitForPeer(cmd.Context(), e, sf.peer); err != nil {
			return err
		}
		found, err := e.Candidates(sf.peer)
		if err != nil {
			return err
		}
		candidates = found
	}

	sender, err := e.NewSender(path)
	if err != nil {
		return err
	}
	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "Offering %s (%s, %d files)\n", sender.Name(), humanBytes(sender.Size()), len(sender.Offer().Entries))

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	go func() {
		<-ctx.Done()
		sender.Cancel()
	}()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watch(watchCtx, out, "Sending", sender.Size(), sender.Progress)
	}()

	result := sender.Start(ctx, candidates, e.Identity().DisplayName)
	stopWatch()
	wg.Wait()
	if !result.OK() {
		return fmt.Errorf("send failed: %s", result)
	}
	if p := sender.Progress(); p.ResumedBytes > 0 {
		fmt.Fprintf(out, "Resumed %s already on the receiver\n", humanBytes(p.ResumedBytes))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s checksum %s\n", sender.Name(), sender.Checksum())
	return nil
}
