// Package receiver implements the receive command.
package receiver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sheerbytes/nwcopy/internal/app"
	"github.com/sheerbytes/nwcopy/internal/config"
	"github.com/sheerbytes/nwcopy/internal/logging"
	"github.com/sheerbytes/nwcopy/internal/progress"
	"github.com/sheerbytes/nwcopy/internal/storage"
	"github.com/sheerbytes/nwcopy/internal/transport"
	"github.com/spf13/cobra"
)

// NewCommand returns the receive command.
func NewCommand() *cobra.Command {
	cfg := config.DefaultReceiver()
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept a directory transfer and write the files locally",
		Example: `  nwcopy receive -o ./incoming
  nwcopy receive --persist --idle-timeout 10m -l :6000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ResolveReceiver(cmd.Flags(), &cfg); err != nil {
				return err
			}
			return Run(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	config.BindReceiverFlags(cmd.Flags(), &cfg)
	return cmd
}

// Run listens on cfg.Listen and serves one run, or keeps serving with
// cfg.Persist.
func Run(ctx context.Context, cfg config.ReceiverConfig, out, errOut io.Writer) error {
	logger, _ := logging.WithRun(logging.NewWithWriter(errOut, "receive", cfg.LogLevel, cfg.LogFormat))

	sink, err := storage.NewDir(cfg.OutDir)
	if err != nil {
		return err
	}

	ln, err := app.Listen(ctx, cfg.Transport, cfg.Listen, app.TransportOptions{
		RecvBuffer: cfg.RecvBuffer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer ln.Close()

	logger.Info("listening",
		"transport", cfg.Transport,
		"addr", ln.Addr().String(),
		"reachable", app.ReachableAddrs(ln.Addr().String()),
		"out", sink.Root,
		"persist", cfg.Persist,
	)

	meter := progress.NewMeter()
	r := app.NewReceiver(ln, app.ReceiverOptions{
		Codec:       cfg.Codec(),
		MaxWorkers:  cfg.MaxWorkers,
		ChunkSize:   cfg.ChunkSize,
		IOTimeout:   cfg.IOTimeout,
		IdleTimeout: cfg.IdleTimeout,
		Policy:      app.Policy(cfg.OnError),
		Persist:     cfg.Persist,
		Sink:        sink,
		Meter:       meter,
		Logger:      logger,
	})

	stopProgress := func() {}
	if cfg.Progress {
		stopProgress = progress.Render(ctx, errOut, "receive", meter)
	}
	defer func() { stopProgress() }()

	runs := 0
	return r.Serve(ctx, func(s app.Summary, err error) {
		runs++
		printSummary(out, runs, s, err)
		logSummary(logger, s, err)
	})
}

func printSummary(w io.Writer, run int, s app.Summary, err error) {
	fmt.Fprintf(w, "run %d: received %d/%d files (%s) in %s at %s, %d workers\n",
		run,
		s.Count(app.StatusOK),
		s.Plan.Total,
		transport.FormatBytes(s.Bytes()),
		s.Elapsed.Round(time.Millisecond),
		transport.FormatRate(s.Rate()),
		s.Plan.Workers,
	)
	for _, r := range s.Results {
		if r.Status == app.StatusFailed {
			fmt.Fprintf(w, "  failed: %v\n", r.Err)
		}
	}
	if s.Missing > 0 {
		fmt.Fprintf(w, "  missing: %d data connections\n", s.Missing)
	}
	if err != nil && s.Failed() == 0 {
		fmt.Fprintf(w, "  error: %v\n", err)
	}
}

func logSummary(logger *slog.Logger, s app.Summary, err error) {
	attrs := []any{
		"ok", s.Count(app.StatusOK),
		"skipped", s.Count(app.StatusSkipped),
		"failed", s.Failed(),
		"missing", s.Missing,
		"total", s.Plan.Total,
		"bytes", s.Bytes(),
		"elapsed", s.Elapsed,
	}
	if err != nil {
		logger.Warn("run finished with errors", append(attrs, "error", err)...)
		return
	}
	logger.Info("run finished", attrs...)
}
