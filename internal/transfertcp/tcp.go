// Package transfertcp carries transfer streams over plain TCP, one
// connection per stream.
package transfertcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/sheerbytes/nwcopy/internal/transfer"
	"github.com/sheerbytes/nwcopy/internal/transport"
)

// Options tunes the sockets created by this package.
type Options struct {
	DialTimeout time.Duration
	SendBuffer  int // SO_SNDBUF, 0 = system default
	RecvBuffer  int // SO_RCVBUF, 0 = system default
	Logger      *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) control() func(network, address string, c syscall.RawConn) error {
	log := o.logger()
	return transport.TCPControl(o.SendBuffer, o.RecvBuffer, func(r transport.TCPTuneResult) {
		log.Debug("tcp socket tuned",
			"sndbuf", transport.FormatBytesMiB(r.RequestedSnd),
			"rcvbuf", transport.FormatBytesMiB(r.RequestedRcv),
			"applied_sndbuf", r.AppliedSnd,
			"applied_rcvbuf", r.AppliedRcv,
			"status", r.Status,
			"error", r.Err,
		)
	})
}

// Dialer opens one TCP connection per Dial.
type Dialer struct {
	addr   string
	dialer net.Dialer
}

// NewDialer returns a dialer for addr ("host:port").
func NewDialer(addr string, opts Options) *Dialer {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dialer{
		addr: addr,
		dialer: net.Dialer{
			Timeout: timeout,
			Control: opts.control(),
		},
	}
}

// Dial connects to the receiver.
func (d *Dialer) Dial(ctx context.Context) (transfer.Stream, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, err
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	return tcp, nil
}

// Close is a no-op; every stream owns its own socket.
func (d *Dialer) Close() error {
	return nil
}

// Listener accepts TCP connections as streams.
type Listener struct {
	ln net.Listener
}

// Listen binds addr (":5080", "127.0.0.1:0", ...).
func Listen(ctx context.Context, addr string, opts Options) (*Listener, error) {
	lc := net.ListenConfig{Control: opts.control()}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Accept waits for the next connection or ctx. The listener stays open when
// ctx is cancelled.
func (l *Listener) Accept(ctx context.Context) (transfer.Stream, error) {
	conn, err := transfer.AcceptConn(ctx, l.ln)
	if err != nil {
		return nil, err
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	return tcp, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting.
func (l *Listener) Close() error {
	return l.ln.Close()
}

var (
	_ transfer.Dialer   = (*Dialer)(nil)
	_ transfer.Listener = (*Listener)(nil)
	_ transfer.Stream   = (*net.TCPConn)(nil)
)
