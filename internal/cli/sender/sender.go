// Package sender implements the send command.
package sender

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sheerbytes/nwcopy/internal/app"
	"github.com/sheerbytes/nwcopy/internal/config"
	"github.com/sheerbytes/nwcopy/internal/dirlist"
	"github.com/sheerbytes/nwcopy/internal/logging"
	"github.com/sheerbytes/nwcopy/internal/progress"
	"github.com/sheerbytes/nwcopy/internal/transport"
	"github.com/sheerbytes/nwcopy/internal/workqueue"
	"github.com/spf13/cobra"
)

// NewCommand returns the send command.
func NewCommand() *cobra.Command {
	cfg := config.DefaultSender()
	cmd := &cobra.Command{
		Use:   "send <source-dir> <receiver-addr>",
		Short: "Send every regular file of a directory to a receiver",
		Example: `  nwcopy send ./photos 192.168.1.20
  nwcopy send -c 8 --transport quic ./build host.lan:6000`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ResolveSender(cmd.Flags(), &cfg, args); err != nil {
				return err
			}
			return Run(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	config.BindSenderFlags(cmd.Flags(), &cfg)
	return cmd
}

// Run performs one send. It returns an error when the run aborted or any job
// failed.
func Run(ctx context.Context, cfg config.SenderConfig, out, errOut io.Writer) error {
	logger, runID := logging.WithRun(logging.NewWithWriter(errOut, "send", cfg.LogLevel, cfg.LogFormat))

	listing, err := dirlist.Scan(cfg.SourceDir)
	if err != nil {
		if listing.Root == "" {
			return err
		}
		logger.Warn("some entries were skipped", "error", err)
	}
	logger.Info("source scanned",
		"dir", listing.Root,
		"files", listing.Count(),
		"bytes", transport.FormatBytes(listing.TotalBytes),
	)

	dialer, err := app.NewDialer(cfg.Transport, cfg.Addr, app.TransportOptions{
		DialTimeout: cfg.DialTimeout,
		SendBuffer:  cfg.SendBuffer,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer dialer.Close()

	meter := progress.NewMeter()
	s := app.NewSender(dialer, app.SenderOptions{
		Codec:       cfg.Codec(),
		Concurrency: cfg.Concurrency,
		ChunkSize:   cfg.ChunkSize,
		IOTimeout:   cfg.IOTimeout,
		Policy:      app.Policy(cfg.OnError),
		Meter:       meter,
		Logger:      logger,
		ClaimHook: func(worker int, job workqueue.Job) {
			logger.Debug("job claimed", "worker", worker, "file", job.Name)
		},
	})

	stopProgress := func() {}
	if cfg.Progress {
		stopProgress = progress.Render(ctx, errOut, "send", meter)
	}
	summary, err := s.Send(ctx, listing)
	stopProgress()

	printSummary(out, runID, summary)
	logSummary(logger, summary)
	if err != nil {
		return err
	}
	if summary.Failed() > 0 {
		return fmt.Errorf("%d of %d files failed: %w", summary.Failed(), len(summary.Results), summary.Err())
	}
	return nil
}

func printSummary(w io.Writer, runID string, s app.Summary) {
	fmt.Fprintf(w, "sent %d/%d files (%s) in %s at %s, concurrency %d, run %s\n",
		s.Count(app.StatusOK),
		s.Plan.Total,
		transport.FormatBytes(s.Bytes()),
		s.Elapsed.Round(time.Millisecond),
		transport.FormatRate(s.Rate()),
		s.Plan.Announced,
		runID,
	)
	for _, r := range s.Results {
		if r.Status == app.StatusFailed {
			fmt.Fprintf(w, "  failed: %v\n", r.Err)
		}
	}
}

func logSummary(logger *slog.Logger, s app.Summary) {
	logger.Info("send finished",
		"ok", s.Count(app.StatusOK),
		"failed", s.Failed(),
		"total", s.Plan.Total,
		"bytes", s.Bytes(),
		"elapsed", s.Elapsed,
	)
}
