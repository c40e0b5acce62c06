package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// IsTTY reports whether w is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Render draws m to w until the returned stop function is called. On a
// terminal it draws a byte progress bar; elsewhere it prints one status line
// per interval. stop renders a final state and is safe to call more than once.
func Render(ctx context.Context, w io.Writer, label string, m *Meter) (stop func()) {
	if IsTTY(w) {
		return renderBar(ctx, w, label, m)
	}
	return renderLines(ctx, w, label, m, time.Second)
}

func renderBar(ctx context.Context, w io.Writer, label string, m *Meter) func() {
	stats := m.Snapshot()
	// A zero maximum would divide by zero while drawing.
	bar := progressbar.NewOptions64(
		max(stats.Total, 1),
		progressbar.OptionSetDescription(describe(label, stats)),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
	)
	total := stats.Total
	update := func() {
		s := m.Snapshot()
		if s.Total != total {
			total = s.Total
			bar.ChangeMax64(max(total, 1))
		}
		bar.Describe(describe(label, s))
		_ = bar.Set64(s.BytesDone)
	}
	return loop(ctx, 100*time.Millisecond, update, func() {
		update()
		_ = bar.Finish()
	})
}

func renderLines(ctx context.Context, w io.Writer, label string, m *Meter, every time.Duration) func() {
	printLine := func() {
		fmt.Fprintln(w, formatLine(label, m.Snapshot()))
	}
	return loop(ctx, every, printLine, printLine)
}

func loop(ctx context.Context, every time.Duration, tick func(), final func()) func() {
	ticker := time.NewTicker(every)
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-done
			final()
		})
	}
}

func describe(label string, s Stats) string {
	return fmt.Sprintf("%s %s", label, formatFileCount(s))
}

func formatLine(label string, s Stats) string {
	return fmt.Sprintf("%s %s %s/%s %.1f%% %s eta %s",
		label,
		formatFileCount(s),
		formatSize(s.BytesDone),
		formatSize(s.Total),
		s.Percent,
		formatRate(s.RateBps),
		formatETA(s.ETA),
	)
}

func formatFileCount(s Stats) string {
	if s.FilesFailed > 0 {
		return fmt.Sprintf("files %d/%d (%d failed)", s.FilesDone, s.FilesTotal, s.FilesFailed)
	}
	return fmt.Sprintf("files %d/%d", s.FilesDone, s.FilesTotal)
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatSize(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n >= g:
		return fmt.Sprintf("%.2f GiB", float64(n)/float64(g))
	case n >= m:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.0f KiB", float64(n)/float64(k))
	}
	return fmt.Sprintf("%d B", n)
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
