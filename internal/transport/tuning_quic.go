package transport

import (
	"time"

	"github.com/quic-go/quic-go"
)

const (
	defaultInitialConnWindow = 2 * 1024 * 1024
	minQuicConnWindow        = 1 * 1024 * 1024
	maxQuicConnWindow        = 1024 * 1024 * 1024
	minQuicStreamWindow      = 1 * 1024 * 1024
	maxQuicStreamWindow      = 256 * 1024 * 1024

	// Each QUIC connection carries exactly one stream.
	quicStreamsPerConn = 1
)

// QuicTuning is the requested flow-control geometry for a QUIC connection.
type QuicTuning struct {
	ConnWindow   int
	StreamWindow int
	IdleTimeout  time.Duration
}

// DefaultQuicTuning mirrors the window sizes used for LAN transfers.
func DefaultQuicTuning() QuicTuning {
	return QuicTuning{
		ConnWindow:   64 * 1024 * 1024,
		StreamWindow: 16 * 1024 * 1024,
		IdleTimeout:  30 * time.Second,
	}
}

// QuicTuneResult reports the clamped values that ended up in the config.
type QuicTuneResult struct {
	ConnWin   int
	StreamWin int
	Status    string
}

// BuildQuicConfig copies base (which may be nil) and applies t, clamping each
// window into its allowed range.
func BuildQuicConfig(base *quic.Config, t QuicTuning) (*quic.Config, QuicTuneResult) {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	conn := clampQuicConnWindow(t.ConnWindow)
	stream := clampQuicStreamWindow(t.StreamWindow)
	if stream > conn {
		stream = conn
	}
	initialConn := defaultInitialConnWindow
	if initialConn > conn {
		initialConn = conn
	}
	cfg.InitialConnectionReceiveWindow = uint64(initialConn)
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	cfg.MaxIncomingStreams = quicStreamsPerConn
	cfg.MaxIncomingUniStreams = -1
	if t.IdleTimeout > 0 {
		cfg.MaxIdleTimeout = t.IdleTimeout
		cfg.KeepAlivePeriod = t.IdleTimeout / 3
	}

	return cfg, QuicTuneResult{
		ConnWin:   conn,
		StreamWin: stream,
		Status:    StatusOK,
	}
}

func clampQuicConnWindow(n int) int {
	if n < minQuicConnWindow {
		return minQuicConnWindow
	}
	if n > maxQuicConnWindow {
		return maxQuicConnWindow
	}
	return n
}

func clampQuicStreamWindow(n int) int {
	if n < minQuicStreamWindow {
		return minQuicStreamWindow
	}
	if n > maxQuicStreamWindow {
		return maxQuicStreamWindow
	}
	return n
}
