// Package cli is the voidwarp command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"voidwarp/engine"
	"voidwarp/logging"
)

type globalFlags struct {
	dataDir  string
	name     string
	logLevel string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "voidwarp",
		Short:         "Send files to devices on the local network",
		Long:          `voidwarp discovers nearby devices, pairs with them and moves files and folders over an encrypted, resumable channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "directory holding config, keys and the trust store")
	root.PersistentFlags().StringVar(&flags.name, "name", "", "device name shown to peers")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newIdentityCommand(flags),
		newPeersCommand(flags),
		newSendCommand(flags),
		newReceiveCommand(flags),
		newPairCommand(flags),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (f *globalFlags) logger() *logrus.Entry {
	return logging.Component(logging.New(f.logLevel, os.Stderr), "cli")
}

func (f *globalFlags) open() (*engine.Engine, error) {
	return engine.New(engine.Options{
		DataDir:    f.dataDir,
		DeviceName: f.name,
		Logger:     f.logger(),
	})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
