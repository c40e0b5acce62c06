package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sheerbytes/nwcopy/internal/transfer"
	"github.com/sheerbytes/nwcopy/internal/wire"
)

// ComputePlan returns the plan announced for a run of total jobs: the
// requested concurrency clamped to the job count. It never announces more
// workers than jobs, and at least one worker when there is work.
func ComputePlan(requested, total int) wire.Plan {
	if total < 0 {
		total = 0
	}
	conc := requested
	if conc > total {
		conc = total
	}
	if conc < 1 && total > 0 {
		conc = 1
	}
	if conc < 0 {
		conc = 0
	}
	return wire.Plan{Concurrency: conc, Total: total}
}

// Announce sends plan over a fresh control connection and waits for the
// receiver's acknowledgement. It must complete before any data connection is
// opened.
func Announce(ctx context.Context, d transfer.Dialer, codec wire.Codec, plan wire.Plan, logger *slog.Logger) error {
	stream, err := d.Dial(ctx)
	if err != nil {
		return fmt.Errorf("control connection: %w: %w", ErrConnect, err)
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	if err := codec.WritePlan(stream, plan); err != nil {
		return fmt.Errorf("announce plan: %w: %w", ErrTransferIO, err)
	}
	if err := stream.CloseWrite(); err != nil {
		return fmt.Errorf("announce plan: %w: %w", ErrTransferIO, err)
	}
	ok, err := wire.ReadAck(stream)
	if err != nil {
		return fmt.Errorf("plan acknowledgement: %w: %w", ErrTransferIO, err)
	}
	if !ok {
		return fmt.Errorf("plan rejected by receiver: %w", ErrProtocol)
	}
	logger.Info("plan announced", "concurrency", plan.Concurrency, "total", plan.Total)
	return nil
}

// AwaitPlan reads the plan from an accepted control stream and acknowledges
// it. The stream is not closed.
func AwaitPlan(s transfer.Stream, codec wire.Codec) (wire.Plan, error) {
	plan, err := codec.ReadPlan(s)
	if err != nil {
		return wire.Plan{}, fmt.Errorf("read plan: %w: %w", classifyWireErr(err), err)
	}
	if plan.Total > 0 && plan.Concurrency < 1 {
		return wire.Plan{}, fmt.Errorf("plan announces %d workers for %d jobs: %w", plan.Concurrency, plan.Total, ErrProtocol)
	}
	if err := wire.ExpectEOF(s); err != nil {
		return wire.Plan{}, fmt.Errorf("control stream: %w: %w", ErrProtocol, err)
	}
	if err := wire.WriteAck(s, true); err != nil {
		return wire.Plan{}, fmt.Errorf("acknowledge plan: %w: %w", ErrTransferIO, err)
	}
	if err := s.CloseWrite(); err != nil {
		return wire.Plan{}, fmt.Errorf("acknowledge plan: %w: %w", ErrTransferIO, err)
	}
	return plan, nil
}

// classifyWireErr separates malformed fields from broken streams.
func classifyWireErr(err error) error {
	switch {
	case errors.Is(err, wire.ErrMalformedNumber),
		errors.Is(err, wire.ErrNumberTooWide),
		errors.Is(err, wire.ErrUnknownToken):
		return ErrProtocol
	}
	return ErrTransferIO
}
