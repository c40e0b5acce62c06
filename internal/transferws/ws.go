// Package transferws carries transfer streams over WebSocket, one
// WebSocket connection per stream. It lets nwcopy pass through HTTP proxies
// and load balancers that only forward upgraded connections.
package transferws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/nwcopy/internal/transfer"
	"github.com/sheerbytes/nwcopy/internal/transport"
)

// Path is the HTTP path the receiver upgrades on.
const Path = "/nwcopy"

const defaultBufferSize = 256 * 1024

// Options tunes the WebSocket endpoint.
type Options struct {
	DialTimeout time.Duration
	BufferSize  int // websocket read and write buffer
	SendBuffer  int // SO_SNDBUF of the underlying TCP socket
	RecvBuffer  int // SO_RCVBUF of the underlying TCP socket
	Logger      *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) bufferSize() int {
	if o.BufferSize > 0 {
		return o.BufferSize
	}
	return defaultBufferSize
}

func (o Options) control() func(network, address string, c syscall.RawConn) error {
	log := o.logger()
	return transport.TCPControl(o.SendBuffer, o.RecvBuffer, func(r transport.TCPTuneResult) {
		log.Debug("websocket socket tuned",
			"sndbuf", transport.FormatBytesMiB(r.RequestedSnd),
			"rcvbuf", transport.FormatBytesMiB(r.RequestedRcv),
			"status", r.Status,
			"error", r.Err,
		)
	})
}

// Dialer opens one WebSocket connection per Dial.
type Dialer struct {
	url    string
	dialer websocket.Dialer
	logger *slog.Logger
}

// NewDialer returns a dialer for the receiver at addr ("host:port").
func NewDialer(addr string, opts Options) *Dialer {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nd := &net.Dialer{Timeout: timeout, Control: opts.control()}
	return &Dialer{
		url: "ws://" + addr + Path,
		dialer: websocket.Dialer{
			HandshakeTimeout: timeout,
			NetDialContext:   nd.DialContext,
			ReadBufferSize:   opts.bufferSize(),
			WriteBufferSize:  opts.bufferSize(),
		},
		logger: opts.logger(),
	}
}

// Dial performs the HTTP upgrade and returns the connection as a stream.
func (d *Dialer) Dial(ctx context.Context) (transfer.Stream, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	d.logger.Debug("websocket stream opened", "remote_addr", conn.RemoteAddr())
	return newStream(conn), nil
}

// Close is a no-op; every stream owns its own socket.
func (d *Dialer) Close() error {
	return nil
}

// Listener serves the upgrade endpoint and hands upgraded connections to
// Accept.
type Listener struct {
	ln     net.Listener
	srv    *http.Server
	conns  chan *websocket.Conn
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// Listen binds addr and starts serving the upgrade endpoint.
func Listen(ctx context.Context, addr string, opts Options) (*Listener, error) {
	lc := net.ListenConfig{Control: opts.control()}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ln:     ln,
		conns:  make(chan *websocket.Conn),
		done:   make(chan struct{}),
		logger: opts.logger(),
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  opts.bufferSize(),
		WriteBufferSize: opts.bufferSize(),
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		select {
		case l.conns <- conn:
		case <-l.done:
			_ = conn.Close()
		}
	})
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket server stopped", "error", err)
		}
	}()
	return l, nil
}

// Accept waits for the next upgraded connection or ctx.
func (l *Listener) Accept(ctx context.Context) (transfer.Stream, error) {
	select {
	case conn := <-l.conns:
		return newStream(conn), nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the HTTP server. Upgraded connections already handed out are
// not affected.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

// Stream adapts a WebSocket connection to a byte stream. Writes become binary
// messages; a close frame marks the end of the write side.
type Stream struct {
	conn   *websocket.Conn
	reader io.Reader
	eof    bool
}

func newStream(conn *websocket.Conn) *Stream {
	// The default handler answers a close frame with one of its own, which
	// would end our write side too early.
	conn.SetCloseHandler(func(int, string) error { return nil })
	return &Stream{conn: conn}
}

func (s *Stream) Read(p []byte) (int, error) {
	for {
		if s.eof {
			return 0, io.EOF
		}
		if s.reader == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.eof = true
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *Stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite sends a normal close frame. Messages from the peer can still be
// read afterwards.
func (s *Stream) CloseWrite() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteMessage(websocket.CloseMessage, msg)
}

func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

// Close closes the underlying connection without a closing handshake.
func (s *Stream) Close() error {
	return s.conn.Close()
}

var (
	_ transfer.Dialer   = (*Dialer)(nil)
	_ transfer.Listener = (*Listener)(nil)
	_ transfer.Stream   = (*Stream)(nil)
)
