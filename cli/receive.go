package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"voidwarp/engine"
	"voidwarp/transfer"
)

type receiveFlags struct {
	dir  string
	port int
	yes  bool
	once bool
}

func newReceiveCommand(flags *globalFlags) *cobra.Command {
	rf := &receiveFlags{port: -1}
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Wait for offers and save accepted files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()
			return runReceive(cmd, e, rf)
		},
	}
	cmd.Flags().StringVar(&rf.dir, "dir", "", "save directory (default: the configured download path)")
	cmd.Flags().IntVar(&rf.port, "port", -1, "listening port, 0 for any (default: from config)")
	cmd.Flags().BoolVarP(&rf.yes, "yes", "y", false, "accept every offer without asking")
	cmd.Flags().BoolVar(&rf.once, "once", false, "exit after the first finished transfer")
	return cmd
}

func runReceive(cmd *cobra.Command, e *engine.Engine, rf *receiveFlags) error {
	port := rf.port
	if port < 0 {
		port = e.Config().ReceiverPort()
	}
	dir := rf.dir
	if dir == "" {
		dir = e.ReceivedDir()
	}

	receiver, err := e.NewReceiver(engine.ReceiverConfig{Port: port})
	if err != nil {
		return err
	}
	defer receiver.Close()
	if err := receiver.Start(); err != nil {
		return err
	}
	if err := e.StartDiscovery(receiver.Port()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "discovery unavailable: %v\n", err)
	}

	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "Listening on port %d as %s (%s), saving to %s\n",
		receiver.Port(), e.Identity().DisplayName, e.DeviceID(), dir)

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	input := bufio.NewReader(cmd.InOrStdin())
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		pending := receiver.Pending()
		if pending == nil {
			continue
		}

		fmt.Fprintf(out, "%s offers %s (%s, %d files)\n",
			pending.SenderName, pending.FileName, humanBytes(pending.FileSize), pending.FileCount)
		if !rf.yes && !confirm(out, input) {
			if err := receiver.Reject(); err != nil {
				fmt.Fprintf(out, "reject: %v\n", err)
			}
			continue
		}

		result := acceptWithProgress(out, receiver, pending, dir)
		if result.OK() {
			fmt.Fprintf(cmd.OutOrStdout(), "Received %s into %s\n", pending.FileName, dir)
		} else {
			fmt.Fprintf(out, "transfer failed: %s\n", result)
		}
		if rf.once {
			if !result.OK() {
				return fmt.Errorf("receive failed: %s", result)
			}
			return nil
		}
	}
}

func acceptWithProgress(out io.Writer, receiver *transfer.Receiver, pending *transfer.PendingOffer, dir string) transfer.Result {
	watchCtx, stopWatch := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watch(watchCtx, out, "Receiving", pending.FileSize, receiver.Progress)
	}()
	result := receiver.Accept(dir)
	stopWatch()
	wg.Wait()
	return result
}

func confirm(out io.Writer, in *bufio.Reader) bool {
	fmt.Fprint(out, "Accept? [y/N] ")
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
