package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sheerbytes/nwcopy/internal/dirlist"
	"github.com/sheerbytes/nwcopy/internal/storage"
	"github.com/sheerbytes/nwcopy/internal/transfer"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTree(t *testing.T, files map[string]string) dirlist.Listing {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	listing, err := dirlist.Scan(dir)
	require.NoError(t, err)
	return listing
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := map[string]string{}
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(b)
	}
	return out
}

func newSink(t *testing.T) (*storage.Dir, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "out")
	sink, err := storage.NewDir(dir)
	require.NoError(t, err)
	return sink, dir
}

func resultsByName(results []JobResult) map[string]JobResult {
	out := map[string]JobResult{}
	for _, r := range results {
		out[r.Name] = r
	}
	return out
}

type runResult struct {
	summary Summary
	err     error
}

// startReceiver runs one receive in the background.
func startReceiver(ctx context.Context, r *Receiver) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		s, err := r.Receive(ctx)
		ch <- runResult{summary: s, err: err}
	}()
	return ch
}

// countingDialer tracks how many streams are open at once.
type countingDialer struct {
	transfer.Dialer
	mu      sync.Mutex
	dials   int
	open    int
	maxOpen int
}

func (d *countingDialer) Dial(ctx context.Context) (transfer.Stream, error) {
	s, err := d.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	d.mu.Unlock()
	return &countedStream{Stream: s, d: d}, nil
}

type countedStream struct {
	transfer.Stream
	d    *countingDialer
	once sync.Once
}

func (s *countedStream) Close() error {
	s.once.Do(func() {
		s.d.mu.Lock()
		s.d.open--
		s.d.mu.Unlock()
	})
	return s.Stream.Close()
}

// failingSource refuses to open one file name.
type failingSource struct {
	storage.OS
	bad string
}

func (s failingSource) Open(path string) (storage.File, error) {
	if filepath.Base(path) == s.bad {
		return nil, os.ErrPermission
	}
	return s.OS.Open(path)
}
