package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/sheerbytes/nwcopy/internal/bufpool"
	"github.com/sheerbytes/nwcopy/internal/checksum"
	"github.com/sheerbytes/nwcopy/internal/dirlist"
	"github.com/sheerbytes/nwcopy/internal/progress"
	"github.com/sheerbytes/nwcopy/internal/storage"
	"github.com/sheerbytes/nwcopy/internal/transfer"
	"github.com/sheerbytes/nwcopy/internal/wire"
	"github.com/sheerbytes/nwcopy/internal/workqueue"
	"golang.org/x/sync/errgroup"
)

// SenderOptions configures a Sender.
type SenderOptions struct {
	Codec       wire.Codec
	Concurrency int // requested; the announced value may be lower
	ChunkSize   int
	IOTimeout   time.Duration
	Policy      Policy
	Source      storage.Source
	Meter       *progress.Meter
	Logger      *slog.Logger
	// ClaimHook observes every job claim; used for instrumentation.
	ClaimHook func(worker int, job workqueue.Job)
}

// Sender moves the files of a listing to one receiver.
type Sender struct {
	dialer transfer.Dialer
	opts   SenderOptions
	pool   *bufpool.Pool
	logger *slog.Logger
}

// NewSender returns a sender dialing through d.
func NewSender(d transfer.Dialer, opts SenderOptions) *Sender {
	if opts.Codec == (wire.Codec{}) {
		opts.Codec = wire.Default()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = bufpool.DefaultSize
	}
	if opts.Policy == "" {
		opts.Policy = PolicyAbort
	}
	if opts.Source == nil {
		opts.Source = storage.OS{}
	}
	if opts.Meter == nil {
		opts.Meter = progress.NewMeter()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sender{
		dialer: d,
		opts:   opts,
		pool:   bufpool.New(opts.ChunkSize),
		logger: opts.Logger,
	}
}

// Send announces the plan for listing, then runs the transfer workers until
// every job has a result. In abort mode the first failed job cancels the
// others and is returned; jobs never attempted are reported as aborted. In
// continue mode the error is nil and failures are only in the Summary.
//
// Every job the plan counts ends on the receiver as exactly one data
// connection: a failed job that never reached the receiver and every job
// abandoned by an abort is sent as a skip marker, so the receiver's run
// completes.
func (s *Sender) Send(ctx context.Context, listing dirlist.Listing) (Summary, error) {
	start := time.Now()
	entries, clashes := s.splitClashes(listing)

	var queueOpts []workqueue.Option
	if s.opts.ClaimHook != nil {
		queueOpts = append(queueOpts, workqueue.WithClaimHook(s.opts.ClaimHook))
	}
	queue := workqueue.FromSeq(len(entries), entrySeq(entries), queueOpts...)
	plan := ComputePlan(s.opts.Concurrency, queue.Len())
	summary := Summary{Plan: PlanInfo{Announced: plan.Concurrency, Workers: plan.Concurrency, Total: plan.Total}}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	col := newCollector(s.opts.Policy, cancel)

	s.opts.Meter.Start(listing.TotalBytes, listing.Count())
	for _, c := range clashes {
		s.opts.Meter.FileDone(false)
		_ = col.add(JobResult{Worker: -1, Name: c.name, Status: StatusFailed, Err: jobErr(c.name, ErrLocalResource, c)})
	}
	if err := col.err(); err != nil {
		// Nothing was announced, so the receiver is not waiting for anything.
		for _, job := range queue.Drain() {
			_ = col.add(JobResult{Worker: -1, Name: job.Name, Status: StatusFailed, Err: jobErr(job.Name, ErrAborted, nil)})
		}
		summary.Results = col.snapshot()
		summary.Elapsed = time.Since(start)
		return summary, err
	}

	if err := Announce(ctx, s.dialer, s.opts.Codec, plan, s.logger); err != nil {
		return summary, err
	}

	var g errgroup.Group
	for w := 0; w < plan.Concurrency; w++ {
		g.Go(func() error {
			return s.work(ctx, runCtx, w, queue, col)
		})
	}
	err := g.Wait()

	if n := queue.Remaining(); n > 0 {
		s.logger.Warn("run aborted", "unclaimed", n)
	}
	drained := queue.Drain()
	for _, job := range drained {
		_ = col.add(JobResult{Worker: -1, Name: job.Name, Status: StatusFailed, Err: jobErr(job.Name, ErrAborted, nil)})
	}
	for i := range drained {
		if serr := s.sendSkip(ctx); serr != nil {
			s.logger.Warn("skip markers not delivered", "missing", len(drained)-i, "error", serr)
			break
		}
	}

	summary.Results = col.snapshot()
	summary.Elapsed = time.Since(start)
	if err == nil {
		err = col.err()
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return summary, err
}

// nameClash is a source whose on-wire name equals an earlier source's after
// truncation to the name field.
type nameClash struct {
	name string
	with string
	wire string
}

func (c nameClash) Error() string {
	return fmt.Sprintf("name truncates to %q, already used by %q", c.wire, c.with)
}

// splitClashes drops every entry whose truncated name was already taken by an
// earlier entry in scan order.
func (s *Sender) splitClashes(listing dirlist.Listing) ([]dirlist.Entry, []nameClash) {
	owners := make(map[string]string, listing.Count())
	keep := make([]dirlist.Entry, 0, listing.Count())
	var clashes []nameClash
	for _, e := range listing.Entries {
		b, truncated := s.opts.Codec.EncodeName(e.Name)
		key := string(b)
		if owner, taken := owners[key]; taken {
			clashes = append(clashes, nameClash{name: e.Name, with: owner, wire: key})
			s.logger.Error("name collides after truncation", "file", e.Name, "with", owner, "width", s.opts.Codec.NameWidth)
			continue
		}
		if truncated {
			s.logger.Warn("name truncated to field width", "file", e.Name, "as", key, "width", s.opts.Codec.NameWidth)
		}
		owners[key] = e.Name
		keep = append(keep, e)
	}
	return keep, clashes
}

func entrySeq(entries []dirlist.Entry) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, e := range entries {
			if !yield(e.Name, e.Path) {
				return
			}
		}
	}
}

// work is one TransferWorker: claim, transfer, repeat until the queue is empty
// or the run is cancelled. parent outlives the run and carries skip markers
// for jobs that never reached the receiver.
func (s *Sender) work(parent, ctx context.Context, worker int, queue *workqueue.Queue, col *collector) error {
	for ctx.Err() == nil {
		job, ok := queue.Claim(worker)
		if !ok {
			return nil
		}
		res, dialed := s.sendJob(ctx, worker, job)
		if !dialed {
			if err := s.sendSkip(parent); err != nil {
				s.logger.Warn("skip marker not delivered", "worker", worker, "file", job.Name, "error", err)
			}
		}
		s.opts.Meter.FileDone(res.Status == StatusOK)
		if err := col.add(res); err != nil {
			return err
		}
	}
	return nil
}

// sendJob transfers one file over its own data connection. dialed reports
// whether the data connection was opened, and so counted by the receiver.
func (s *Sender) sendJob(ctx context.Context, worker int, job workqueue.Job) (res JobResult, dialed bool) {
	start := time.Now()
	log := s.logger.With("worker", worker, "file", job.Name)
	res = JobResult{Worker: worker, Name: job.Name}
	fail := func(class, err error) (JobResult, bool) {
		if ctx.Err() != nil && class != ErrLocalResource {
			class = ErrAborted
		}
		res.Status = StatusFailed
		res.Err = jobErr(job.Name, class, err)
		res.Elapsed = time.Since(start)
		log.Error("send failed", "error", res.Err)
		return res, dialed
	}

	f, err := s.opts.Source.Open(job.Path)
	if err != nil {
		return fail(ErrLocalResource, err)
	}
	defer f.Close()

	raw, err := s.dialer.Dial(ctx)
	if err != nil {
		return fail(ErrConnect, err)
	}
	dialed = true
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()
	stream := transfer.WithIdleTimeout(raw, s.opts.IOTimeout)

	size := f.Size()
	if err := s.opts.Codec.WriteName(stream, job.Name); err != nil {
		return fail(ErrTransferIO, err)
	}
	if err := s.opts.Codec.WriteLength(stream, size); err != nil {
		return fail(ErrTransferIO, err)
	}

	acc := checksum.New()
	n, err := s.pool.CopyN(io.MultiWriter(stream, acc, meterWriter{s.opts.Meter}), f, size)
	res.Bytes = n
	if err != nil {
		var rerr *bufpool.ReadError
		if errors.As(err, &rerr) {
			return fail(ErrLocalResource, fmt.Errorf("read source: %w", rerr.Err))
		}
		return fail(ErrTransferIO, err)
	}
	res.Checksum = acc.Sum32()

	if err := s.opts.Codec.WriteChecksum(stream, res.Checksum); err != nil {
		return fail(ErrTransferIO, err)
	}
	if err := stream.CloseWrite(); err != nil {
		return fail(ErrTransferIO, err)
	}
	ok, err := wire.ReadAck(stream)
	if err != nil {
		return fail(classifyWireErr(err), err)
	}
	if !ok {
		return fail(ErrIntegrity, fmt.Errorf("receiver rejected checksum %s", checksum.Format(res.Checksum)))
	}

	res.Status = StatusOK
	res.Elapsed = time.Since(start)
	log.Info("file sent", "bytes", res.Bytes, "checksum", res.Checksum, "elapsed", res.Elapsed)
	return res, dialed
}

// sendSkip consumes one data connection with the skip marker.
func (s *Sender) sendSkip(ctx context.Context) error {
	raw, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()
	stream := transfer.WithIdleTimeout(raw, s.opts.IOTimeout)

	if err := s.opts.Codec.WriteSkip(stream); err != nil {
		return err
	}
	if err := stream.CloseWrite(); err != nil {
		return err
	}
	_, err = wire.ReadAck(stream)
	return err
}
