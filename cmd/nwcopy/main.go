package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/nwcopy/internal/cli/receiver"
	"github.com/sheerbytes/nwcopy/internal/cli/sender"
	"github.com/spf13/cobra"
)

const version = "v0.1.0"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "nwcopy",
		Short: "Copy a directory between two machines over parallel connections",
		Long: `nwcopy moves every regular file of a directory from a sender to a
receiver, one file per connection, with a negotiated number of parallel
connections and a per-file checksum.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(sender.NewCommand(), receiver.NewCommand())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nwcopy: %v\n", err)
		os.Exit(1)
	}
}
