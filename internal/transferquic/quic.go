// Package transferquic carries transfer streams over QUIC. Every logical
// connection is its own QUIC connection holding a single bidirectional
// stream, so the one-connection-per-file model is unchanged.
package transferquic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/nwcopy/internal/transfer"
	"github.com/sheerbytes/nwcopy/internal/transport"
)

const defaultLinger = 2 * time.Second

// Options tunes the QUIC endpoint.
type Options struct {
	Tuning      transport.QuicTuning
	UDPBuffer   int // read and write buffer of the UDP socket
	DialTimeout time.Duration
	// Linger bounds how long an accepted stream waits, after its final write,
	// for the dialing side to close the connection.
	Linger time.Duration
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) quicConfig() *quic.Config {
	tuning := o.Tuning
	if tuning.ConnWindow == 0 && tuning.StreamWindow == 0 {
		tuning = transport.DefaultQuicTuning()
	}
	cfg, res := transport.BuildQuicConfig(&quic.Config{
		DisablePathMTUDiscovery: true,
		HandshakeIdleTimeout:    o.DialTimeout,
	}, tuning)
	o.logger().Debug("quic tuning",
		"conn_window", transport.FormatBytesMiB(res.ConnWin),
		"stream_window", transport.FormatBytesMiB(res.StreamWin),
		"status", res.Status,
	)
	return cfg
}

func listenUDP(addr *net.UDPAddr, opts Options) (*net.UDPConn, error) {
	udp, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if opts.UDPBuffer > 0 {
		res := transport.ApplyUDPBuffers(udp, opts.UDPBuffer, opts.UDPBuffer)
		opts.logger().Debug("udp buffers tuned",
			"read", transport.FormatBytesMiB(res.RequestedR),
			"write", transport.FormatBytesMiB(res.RequestedW),
			"status", res.Status,
			"error", res.Err,
		)
	}
	return udp, nil
}

// Dialer opens one QUIC connection per Dial, all sharing one UDP socket.
type Dialer struct {
	raddr   *net.UDPAddr
	udp     *net.UDPConn
	tr      *quic.Transport
	tlsConf *tls.Config
	conf    *quic.Config
	logger  *slog.Logger
}

// NewDialer resolves addr and binds a local UDP socket for outbound
// connections.
func NewDialer(addr string, opts Options) (*Dialer, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udp, err := listenUDP(nil, opts)
	if err != nil {
		return nil, fmt.Errorf("bind udp socket: %w", err)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Dialer{
		raddr:   raddr,
		udp:     udp,
		tr:      &quic.Transport{Conn: udp},
		tlsConf: clientTLSConfig(),
		conf:    opts.quicConfig(),
		logger:  opts.logger(),
	}, nil
}

// Dial establishes a QUIC connection and opens its stream.
func (d *Dialer) Dial(ctx context.Context) (transfer.Stream, error) {
	conn, err := d.tr.Dial(ctx, d.raddr, d.tlsConf, d.conf)
	if err != nil {
		return nil, err
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	d.logger.Debug("quic stream opened", "remote_addr", conn.RemoteAddr(), "stream_id", str.StreamID())
	return &Stream{conn: conn, str: str}, nil
}

// Close shuts the shared UDP socket down.
func (d *Dialer) Close() error {
	err := d.tr.Close()
	if cerr := d.udp.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

// Listener accepts QUIC connections and yields their first stream.
type Listener struct {
	udp    *net.UDPConn
	tr     *quic.Transport
	ln     *quic.Listener
	linger time.Duration
	logger *slog.Logger
}

// Listen binds addr on UDP and starts a QUIC listener on it.
func Listen(addr string, opts Options) (*Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	udp, err := listenUDP(laddr, opts)
	if err != nil {
		return nil, err
	}
	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(tlsConf, opts.quicConfig())
	if err != nil {
		_ = tr.Close()
		_ = udp.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	linger := opts.Linger
	if linger <= 0 {
		linger = defaultLinger
	}
	opts.logger().Debug("quic listener created", "local_addr", udp.LocalAddr())
	return &Listener{udp: udp, tr: tr, ln: ln, linger: linger, logger: opts.logger()}, nil
}

// Accept waits for the next connection that opens a stream. Connections that
// close before opening their stream are dropped.
func (l *Listener) Accept(ctx context.Context) (transfer.Stream, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Warn("quic connection closed before opening a stream", "remote_addr", conn.RemoteAddr(), "error", err)
			continue
		}
		return &Stream{conn: conn, str: str, linger: l.linger}, nil
	}
}

// Addr returns the bound UDP address.
func (l *Listener) Addr() net.Addr {
	return l.udp.LocalAddr()
}

// Close stops the listener and the UDP socket.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if terr := l.tr.Close(); terr != nil && err == nil {
		err = terr
	}
	if uerr := l.udp.Close(); uerr != nil && err == nil && !errors.Is(uerr, net.ErrClosed) {
		err = uerr
	}
	return err
}

// Stream is the single bidirectional stream of one QUIC connection.
type Stream struct {
	conn      *quic.Conn
	str       *quic.Stream
	linger    time.Duration // non-zero on the accepting side
	closeOnce sync.Once
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.str.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.str.Write(p)
}

// CloseWrite sends FIN on the stream. The peer can still write back.
func (s *Stream) CloseWrite() error {
	return s.str.Close()
}

func (s *Stream) SetDeadline(t time.Time) error {
	return s.str.SetDeadline(t)
}

// Close tears the QUIC connection down. On the accepting side it first waits,
// up to the linger period, for the dialer to close so queued writes are
// delivered.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.str.Close()
		if s.linger > 0 {
			t := time.NewTimer(s.linger)
			select {
			case <-s.conn.Context().Done():
			case <-t.C:
			}
			t.Stop()
		}
		s.str.CancelRead(0)
		err = s.conn.CloseWithError(0, "")
	})
	return err
}

var (
	_ transfer.Dialer   = (*Dialer)(nil)
	_ transfer.Listener = (*Listener)(nil)
	_ transfer.Stream   = (*Stream)(nil)
)
