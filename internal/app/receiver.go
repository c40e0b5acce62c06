package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/sheerbytes/nwcopy/internal/bufpool"
	"github.com/sheerbytes/nwcopy/internal/checksum"
	"github.com/sheerbytes/nwcopy/internal/progress"
	"github.com/sheerbytes/nwcopy/internal/storage"
	"github.com/sheerbytes/nwcopy/internal/transfer"
	"github.com/sheerbytes/nwcopy/internal/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	Codec wire.Codec
	// MaxWorkers caps concurrent receive workers below the announced
	// concurrency. Zero means no extra cap.
	MaxWorkers  int
	ChunkSize   int
	IOTimeout   time.Duration
	IdleTimeout time.Duration
	Policy      Policy
	Persist     bool
	Sink        storage.Sink
	Meter       *progress.Meter
	Logger      *slog.Logger
}

// Receiver is the ConnectionDispatcher: it reads the plan from the control
// connection, then accepts the announced number of data connections and
// hands each to its own ReceiveWorker.
type Receiver struct {
	ln     transfer.Listener
	opts   ReceiverOptions
	pool   *bufpool.Pool
	logger *slog.Logger
}

// NewReceiver returns a receiver accepting on ln and writing into opts.Sink.
func NewReceiver(ln transfer.Listener, opts ReceiverOptions) *Receiver {
	if opts.Codec == (wire.Codec{}) {
		opts.Codec = wire.Default()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = bufpool.DefaultSize
	}
	if opts.Policy == "" {
		opts.Policy = PolicyAbort
	}
	if opts.Sink == nil {
		opts.Sink = &storage.Dir{Root: "."}
	}
	if opts.Meter == nil {
		opts.Meter = progress.NewMeter()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Receiver{
		ln:     ln,
		opts:   opts,
		pool:   bufpool.New(opts.ChunkSize),
		logger: opts.Logger,
	}
}

// Serve handles one run, or run after run when Persist is set, calling report
// after each. Without Persist it returns the run's error, or the joined job
// errors when jobs failed in continue mode. With Persist it returns nil once
// ctx is cancelled or no sender shows up within the idle timeout.
func (r *Receiver) Serve(ctx context.Context, report func(Summary, error)) error {
	for {
		plan, err := r.AwaitControl(ctx)
		if err != nil {
			if !r.opts.Persist {
				return err
			}
			if ctx.Err() != nil || errors.Is(err, ErrIdleTimeout) {
				r.logger.Info("stopped serving", "reason", err)
				return nil
			}
			if errors.Is(err, ErrProtocol) || errors.Is(err, ErrTransferIO) {
				// A stray connection from an earlier, aborted run.
				r.logger.Warn("control connection rejected", "error", err)
				continue
			}
			return err
		}
		summary, err := r.Run(ctx, plan)
		if report != nil {
			report(summary, err)
		}
		if !r.opts.Persist {
			if err == nil {
				err = summary.Err()
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Receive handles exactly one run.
func (r *Receiver) Receive(ctx context.Context) (Summary, error) {
	plan, err := r.AwaitControl(ctx)
	if err != nil {
		return Summary{}, err
	}
	return r.Run(ctx, plan)
}

// AwaitControl accepts the control connection of the next run and returns
// its plan.
func (r *Receiver) AwaitControl(ctx context.Context) (wire.Plan, error) {
	raw, err := r.accept(ctx)
	if err != nil {
		return wire.Plan{}, err
	}
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	plan, err := AwaitPlan(transfer.WithIdleTimeout(raw, r.opts.IOTimeout), r.opts.Codec)
	if err != nil {
		return wire.Plan{}, err
	}
	r.logger.Info("plan received", "concurrency", plan.Concurrency, "total", plan.Total)
	return plan, nil
}

// Workers returns how many receive workers run concurrently for plan.
func (r *Receiver) Workers(plan wire.Plan) int {
	n := plan.Concurrency
	if r.opts.MaxWorkers > 0 && r.opts.MaxWorkers < n {
		n = r.opts.MaxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Run accepts the plan's data connections. A slot of the worker semaphore is
// taken before each accept and given back when that connection's worker ends,
// so at most Workers(plan) connections are in flight.
func (r *Receiver) Run(ctx context.Context, plan wire.Plan) (Summary, error) {
	start := time.Now()
	workers := r.Workers(plan)
	summary := Summary{Plan: PlanInfo{Announced: plan.Concurrency, Workers: workers, Total: plan.Total}}
	r.opts.Meter.Start(0, plan.Total)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	col := newCollector(r.opts.Policy, cancel)
	sem := semaphore.NewWeighted(int64(workers))

	var g errgroup.Group
	var dispatchErr error
	accepted := 0
	for accepted < plan.Total {
		if err := sem.Acquire(runCtx, 1); err != nil {
			dispatchErr = err
			break
		}
		raw, err := r.accept(runCtx)
		if err != nil {
			sem.Release(1)
			dispatchErr = err
			break
		}
		accepted++
		conn := accepted
		g.Go(func() error {
			defer sem.Release(1)
			res := r.receiveOne(runCtx, conn, raw)
			r.opts.Meter.FileDone(res.Status != StatusFailed)
			return col.add(res)
		})
	}
	_ = g.Wait()

	summary.Results = col.snapshot()
	summary.Missing = plan.Total - accepted
	summary.Elapsed = time.Since(start)

	err := col.err()
	if err == nil && dispatchErr != nil {
		if ctx.Err() != nil {
			dispatchErr = ctx.Err()
		}
		err = fmt.Errorf("%d of %d data connections not received: %w", summary.Missing, plan.Total, dispatchErr)
	}
	return summary, err
}

func (r *Receiver) accept(ctx context.Context) (transfer.Stream, error) {
	if r.opts.IdleTimeout <= 0 {
		return r.ln.Accept(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, r.opts.IdleTimeout)
	defer cancel()
	s, err := r.ln.Accept(actx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("no connection within %s: %w", r.opts.IdleTimeout, ErrIdleTimeout)
	}
	return s, err
}

// receiveOne is the ReceiveWorker for one data connection.
func (r *Receiver) receiveOne(ctx context.Context, conn int, raw transfer.Stream) JobResult {
	start := time.Now()
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()
	stream := transfer.WithIdleTimeout(raw, r.opts.IOTimeout)

	log := r.logger.With("conn", conn)
	res := JobResult{Worker: conn}
	fail := func(class, err error) JobResult {
		if ctx.Err() != nil && class != ErrLocalResource {
			class = ErrAborted
		}
		res.Status = StatusFailed
		res.Err = jobErr(res.Name, class, err)
		res.Elapsed = time.Since(start)
		log.Error("receive failed", "error", res.Err)
		return res
	}

	name, err := r.opts.Codec.ReadName(stream)
	if err != nil {
		return fail(ErrTransferIO, err)
	}
	if name == "" {
		if err := wire.ExpectEOF(stream); err != nil {
			return fail(ErrProtocol, err)
		}
		if err := wire.WriteAck(stream, true); err != nil {
			return fail(ErrTransferIO, err)
		}
		_ = stream.CloseWrite()
		res.Status = StatusSkipped
		res.Elapsed = time.Since(start)
		log.Info("skip marker received")
		return res
	}
	res.Name = name
	log = log.With("file", name)
	if err := ValidateName(name); err != nil {
		return fail(ErrProtocol, err)
	}

	size, err := r.opts.Codec.ReadLength(stream)
	if err != nil {
		return fail(classifyWireErr(err), err)
	}
	r.opts.Meter.AddTotal(size)

	w, err := r.opts.Sink.Create(name)
	if err != nil {
		return fail(ErrLocalResource, err)
	}
	acc := checksum.New()
	n, err := r.pool.CopyN(io.MultiWriter(w, acc, meterWriter{r.opts.Meter}), stream, size)
	res.Bytes = n
	if err != nil {
		_ = w.Close()
		r.discard(name, log)
		var werr *bufpool.WriteError
		if errors.As(err, &werr) {
			return fail(ErrLocalResource, werr.Err)
		}
		return fail(ErrTransferIO, err)
	}
	if err := w.Close(); err != nil {
		r.discard(name, log)
		return fail(ErrLocalResource, err)
	}
	res.Checksum = acc.Sum32()

	sent, err := r.opts.Codec.ReadChecksum(stream)
	if err != nil {
		r.discard(name, log)
		return fail(classifyWireErr(err), err)
	}
	if err := wire.ExpectEOF(stream); err != nil {
		r.discard(name, log)
		return fail(ErrProtocol, err)
	}

	match := sent == res.Checksum
	if err := wire.WriteAck(stream, match); err != nil {
		log.Warn("acknowledgement not delivered", "error", err)
	}
	_ = stream.CloseWrite()

	if !match {
		ierr := &IntegrityError{Name: name, Expected: sent, Actual: res.Checksum}
		return fail(ErrIntegrity, ierr)
	}
	res.Status = StatusOK
	res.Elapsed = time.Since(start)
	log.Info("file received", "bytes", res.Bytes, "checksum", res.Checksum, "elapsed", res.Elapsed)
	return res
}

func (r *Receiver) discard(name string, log *slog.Logger) {
	if err := r.opts.Sink.Remove(name); err != nil {
		log.Warn("partial file not removed", "error", err)
	}
}

// ValidateName accepts only a single, plain path element of the local
// filesystem. A backslash is a separator only on Windows.
func ValidateName(name string) error {
	seps := "/\x00"
	if filepath.Separator != '/' {
		seps += string(filepath.Separator)
	}
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid file name %q", name)
	case strings.ContainsAny(name, seps):
		return fmt.Errorf("file name %q is not a single path element", name)
	}
	return nil
}
