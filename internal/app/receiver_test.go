package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/nwcopy/internal/storage"
	"github.com/sheerbytes/nwcopy/internal/transfer"
	"github.com/sheerbytes/nwcopy/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRun(ctx context.Context, r *Receiver, plan wire.Plan) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		s, err := r.Run(ctx, plan)
		ch <- runResult{summary: s, err: err}
	}()
	return ch
}

// sendRaw performs one data exchange by hand and returns the receiver's
// verdict.
func sendRaw(ctx context.Context, d transfer.Dialer, name string, length int64, payload string, sum uint32, trailer string) (bool, error) {
	codec := wire.Default()
	s, err := d.Dial(ctx)
	if err != nil {
		return false, err
	}
	defer s.Close()
	if err := codec.WriteName(s, name); err != nil {
		return false, err
	}
	if err := codec.WriteLength(s, length); err != nil {
		return false, err
	}
	if _, err := io.WriteString(s, payload); err != nil {
		return false, err
	}
	if int64(len(payload)) == length {
		if err := codec.WriteChecksum(s, sum); err != nil {
			return false, err
		}
		if _, err := io.WriteString(s, trailer); err != nil {
			return false, err
		}
	}
	if err := s.CloseWrite(); err != nil {
		return false, err
	}
	return wire.ReadAck(s)
}

func TestReceiveChecksumMismatchKeepsFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink, outDir := newSink(t)
	ln, dialer := transfer.NewMemoryPair()
	defer ln.Close()

	done := startRun(ctx, NewReceiver(ln, ReceiverOptions{Sink: sink, Logger: quietLogger()}), wire.Plan{Concurrency: 1, Total: 1})
	ok, err := sendRaw(ctx, dialer, "bad.txt", 5, "hello", 999, "")
	require.NoError(t, err)
	assert.False(t, ok, "receiver must answer NAK")

	got := <-done
	require.NoError(t, got.err, "integrity failures do not abort the run")
	require.Equal(t, 1, got.summary.Failed())
	res := got.summary.Results[0]
	assert.ErrorIs(t, res.Err, ErrIntegrity)
	var ierr *IntegrityError
	require.ErrorAs(t, res.Err, &ierr)
	assert.Equal(t, uint32(999), ierr.Expected)
	assert.Equal(t, uint32(532), ierr.Actual)
	assert.Equal(t, map[string]string{"bad.txt": "hello"}, readTree(t, outDir))
}

func TestReceiveSkipMarker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink, outDir := newSink(t)
	ln, dialer := transfer.NewMemoryPair()
	defer ln.Close()

	done := startRun(ctx, NewReceiver(ln, ReceiverOptions{Sink: sink, Logger: quietLogger()}), wire.Plan{Concurrency: 1, Total: 1})
	s, err := dialer.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, wire.Default().WriteSkip(s))
	require.NoError(t, s.CloseWrite())
	ok, err := wire.ReadAck(s)
	require.NoError(t, err)
	assert.True(t, ok)
	s.Close()

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, 1, got.summary.Count(StatusSkipped))
	assert.Empty(t, readTree(t, outDir))
}

func TestReceiveRemovesPartialFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink, outDir := newSink(t)
	ln, dialer := transfer.NewMemoryPair()
	defer ln.Close()

	done := startRun(ctx, NewReceiver(ln, ReceiverOptions{Sink: sink, Logger: quietLogger()}), wire.Plan{Concurrency: 1, Total: 1})
	_, err := sendRaw(ctx, dialer, "part.bin", 10, "abc", 0, "")
	assert.Error(t, err, "no acknowledgement for a short payload")

	got := <-done
	require.Error(t, got.err)
	assert.ErrorIs(t, got.err, ErrTransferIO)
	assert.Empty(t, readTree(t, outDir))
}

func TestReceiveRejectsTrailingData(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink, outDir := newSink(t)
	ln, dialer := transfer.NewMemoryPair()
	defer ln.Close()

	done := startRun(ctx, NewReceiver(ln, ReceiverOptions{Sink: sink, Logger: quietLogger()}), wire.Plan{Concurrency: 1, Total: 1})
	_, _ = sendRaw(ctx, dialer, "t.txt", 2, "hi", 209, "extra")

	got := <-done
	assert.ErrorIs(t, got.err, ErrProtocol)
	assert.Empty(t, readTree(t, outDir))
}

func TestReceiveRejectsPathNames(t *testing.T) {
	for _, name := range []string{"../evil", "a/b", ".", ".."} {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sink, outDir := newSink(t)
			ln, dialer := transfer.NewMemoryPair()
			defer ln.Close()

			done := startRun(ctx, NewReceiver(ln, ReceiverOptions{Sink: sink, Policy: PolicyContinue, Logger: quietLogger()}), wire.Plan{Concurrency: 1, Total: 1})
			_, _ = sendRaw(ctx, dialer, name, 1, "x", 120, "")

			got := <-done
			require.NoError(t, got.err)
			require.Equal(t, 1, got.summary.Failed())
			assert.ErrorIs(t, got.summary.Results[0].Err, ErrProtocol)
			assert.Empty(t, readTree(t, outDir))
			_, err := os.Stat(filepath.Join(filepath.Dir(outDir), "evil"))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

type trackingSink struct {
	storage.Sink
	mu   sync.Mutex
	open int
	max  int
}

func (s *trackingSink) Create(name string) (io.WriteCloser, error) {
	w, err := s.Sink.Create(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.open++
	s.max = max(s.max, s.open)
	s.mu.Unlock()
	return &trackedWriter{WriteCloser: w, s: s}, nil
}

type trackedWriter struct {
	io.WriteCloser
	s *trackingSink
}

func (w *trackedWriter) Close() error {
	// Hold the slot briefly so overlapping workers would be observed.
	time.Sleep(10 * time.Millisecond)
	w.s.mu.Lock()
	w.s.open--
	w.s.mu.Unlock()
	return w.WriteCloser.Close()
}

func TestReceiveMaxWorkersBound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	base, outDir := newSink(t)
	sink := &trackingSink{Sink: base}
	ln, dialer := transfer.NewMemoryPair()
	defer ln.Close()

	r := NewReceiver(ln, ReceiverOptions{MaxWorkers: 1, Sink: sink, Logger: quietLogger()})
	plan := wire.Plan{Concurrency: 3, Total: 3}
	assert.Equal(t, 1, r.Workers(plan))
	done := startRun(ctx, r, plan)

	var wg sync.WaitGroup
	for _, name := range []string{"x", "y", "z"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := sendRaw(ctx, dialer, name, 1, name, uint32(name[0]), "")
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, 1, got.summary.Plan.Workers)
	assert.Equal(t, 1, sink.max)
	assert.Equal(t, map[string]string{"x": "x", "y": "y", "z": "z"}, readTree(t, outDir))
}

func TestReceiverWorkers(t *testing.T) {
	r := NewReceiver(nil, ReceiverOptions{})
	assert.Equal(t, 4, r.Workers(wire.Plan{Concurrency: 4, Total: 9}))
	assert.Equal(t, 1, r.Workers(wire.Plan{Concurrency: 0, Total: 0}))
	r = NewReceiver(nil, ReceiverOptions{MaxWorkers: 8})
	assert.Equal(t, 4, r.Workers(wire.Plan{Concurrency: 4, Total: 9}))
}

func TestReceiveIdleTimeout(t *testing.T) {
	ln, _ := transfer.NewMemoryPair()
	defer ln.Close()
	r := NewReceiver(ln, ReceiverOptions{IdleTimeout: 30 * time.Millisecond, Logger: quietLogger()})

	_, err := r.Receive(context.Background())
	assert.ErrorIs(t, err, ErrIdleTimeout)
}

func TestServePersistRunsUntilIdle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sink, outDir := newSink(t)
	ln, dialer := transfer.NewMemoryPair()
	defer ln.Close()

	r := NewReceiver(ln, ReceiverOptions{Sink: sink, Persist: true, IdleTimeout: 300 * time.Millisecond, Logger: quietLogger()})
	var mu sync.Mutex
	runs := 0
	served := make(chan error, 1)
	go func() {
		served <- r.Serve(ctx, func(s Summary, err error) {
			mu.Lock()
			runs++
			mu.Unlock()
		})
	}()

	for i, files := range []map[string]string{{"one.txt": "1"}, {"two.txt": "22"}} {
		_, err := NewSender(dialer, SenderOptions{Concurrency: 1, Logger: quietLogger()}).Send(ctx, writeTree(t, files))
		require.NoError(t, err, "run %d", i)
	}

	require.NoError(t, <-served)
	mu.Lock()
	assert.Equal(t, 2, runs)
	mu.Unlock()
	assert.Equal(t, map[string]string{"one.txt": "1", "two.txt": "22"}, readTree(t, outDir))
}

func TestServeSingleRunReturnsJobErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink, _ := newSink(t)
	ln, dialer := transfer.NewMemoryPair()
	defer ln.Close()

	r := NewReceiver(ln, ReceiverOptions{Sink: sink, Logger: quietLogger()})
	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx, nil) }()

	require.NoError(t, Announce(ctx, dialer, wire.Default(), wire.Plan{Concurrency: 1, Total: 1}, quietLogger()))
	ok, err := sendRaw(ctx, dialer, "f", 1, "a", 1, "")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, <-served, ErrIntegrity)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("report.pdf"))
	assert.NoError(t, ValidateName("..hidden-ish"))
	for _, bad := range []string{"", ".", "..", "a/b", "nul\x00"} {
		assert.Error(t, ValidateName(bad), bad)
	}
	if runtime.GOOS == "windows" {
		assert.Error(t, ValidateName(`c:\x`))
	} else {
		assert.NoError(t, ValidateName(`c:\x`))
	}
}

func TestReceiveBackslashNameOnUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("backslash is a path separator on windows")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink, outDir := newSink(t)
	ln, dialer := transfer.NewMemoryPair()
	defer ln.Close()

	done := startRun(ctx, NewReceiver(ln, ReceiverOptions{Sink: sink, Logger: quietLogger()}), wire.Plan{Concurrency: 1, Total: 1})
	ok, err := sendRaw(ctx, dialer, `dir\file.txt`, 2, "hi", 209, "")
	require.NoError(t, err)
	assert.True(t, ok)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, map[string]string{`dir\file.txt`: "hi"}, readTree(t, outDir))
}

func TestServePersistAfterAbortedSend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sink, outDir := newSink(t)
	ln, dialer := transfer.NewMemoryPair()
	defer ln.Close()

	var mu sync.Mutex
	var summaries []Summary
	served := make(chan error, 1)
	sctx, stop := context.WithCancel(ctx)
	r := NewReceiver(ln, ReceiverOptions{Sink: sink, Persist: true, Logger: quietLogger()})
	go func() {
		served <- r.Serve(sctx, func(s Summary, err error) {
			mu.Lock()
			summaries = append(summaries, s)
			mu.Unlock()
		})
	}()

	_, err := NewSender(dialer, SenderOptions{
		Concurrency: 1,
		Source:      failingSource{bad: "a.txt"},
		Logger:      quietLogger(),
	}).Send(ctx, writeTree(t, map[string]string{"a.txt": "1", "b.txt": "2"}))
	require.ErrorIs(t, err, ErrLocalResource)

	sent, err := NewSender(dialer, SenderOptions{Concurrency: 1, Logger: quietLogger()}).
		Send(ctx, writeTree(t, map[string]string{"c.txt": "3"}))
	require.NoError(t, err)
	assert.Equal(t, 1, sent.Count(StatusOK))

	stop()
	require.NoError(t, <-served)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, summaries, 2)
	assert.Equal(t, 2, summaries[0].Count(StatusSkipped))
	assert.Zero(t, summaries[0].Missing)
	assert.Equal(t, 1, summaries[1].Count(StatusOK))
	assert.Equal(t, map[string]string{"c.txt": "3"}, readTree(t, outDir))
}

func TestServePersistRejectsStrayControl(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sink, outDir := newSink(t)
	ln, dialer := transfer.NewMemoryPair()
	defer ln.Close()

	sctx, stop := context.WithCancel(ctx)
	served := make(chan error, 1)
	r := NewReceiver(ln, ReceiverOptions{Sink: sink, Persist: true, Logger: quietLogger()})
	go func() { served <- r.Serve(sctx, nil) }()

	// A leftover data connection lands where a control connection is expected.
	ok, err := sendRaw(ctx, dialer, "late.txt", 1, "x", 120, "")
	assert.Error(t, err)
	assert.False(t, ok)

	_, err = NewSender(dialer, SenderOptions{Concurrency: 1, Logger: quietLogger()}).
		Send(ctx, writeTree(t, map[string]string{"ok.txt": "fine"}))
	require.NoError(t, err)

	stop()
	require.NoError(t, <-served)
	assert.Equal(t, map[string]string{"ok.txt": "fine"}, readTree(t, outDir))
}
