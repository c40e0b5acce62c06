package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sheerbytes/nwcopy/internal/transfer"
	"github.com/sheerbytes/nwcopy/internal/transferquic"
	"github.com/sheerbytes/nwcopy/internal/transfertcp"
	"github.com/sheerbytes/nwcopy/internal/transferws"
)

// Transport names accepted by NewDialer and Listen.
const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
	TransportWS   = "ws"
)

// TransportOptions carries the socket tuning shared by every transport.
type TransportOptions struct {
	DialTimeout time.Duration
	SendBuffer  int
	RecvBuffer  int
	Logger      *slog.Logger
}

// udpBuffer picks one size for both directions of a QUIC socket.
func (o TransportOptions) udpBuffer() int {
	return max(o.SendBuffer, o.RecvBuffer)
}

// NewDialer returns the dialer of the named transport for addr.
func NewDialer(kind, addr string, opts TransportOptions) (transfer.Dialer, error) {
	switch kind {
	case TransportTCP, "":
		return transfertcp.NewDialer(addr, transfertcp.Options{
			DialTimeout: opts.DialTimeout,
			SendBuffer:  opts.SendBuffer,
			RecvBuffer:  opts.RecvBuffer,
			Logger:      opts.Logger,
		}), nil
	case TransportQUIC:
		return transferquic.NewDialer(addr, transferquic.Options{
			DialTimeout: opts.DialTimeout,
			UDPBuffer:   opts.udpBuffer(),
			Logger:      opts.Logger,
		})
	case TransportWS:
		return transferws.NewDialer(addr, transferws.Options{
			DialTimeout: opts.DialTimeout,
			SendBuffer:  opts.SendBuffer,
			RecvBuffer:  opts.RecvBuffer,
			Logger:      opts.Logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

// Listen binds the named transport on addr.
func Listen(ctx context.Context, kind, addr string, opts TransportOptions) (transfer.Listener, error) {
	switch kind {
	case TransportTCP, "":
		return transfertcp.Listen(ctx, addr, transfertcp.Options{
			SendBuffer: opts.SendBuffer,
			RecvBuffer: opts.RecvBuffer,
			Logger:     opts.Logger,
		})
	case TransportQUIC:
		return transferquic.Listen(addr, transferquic.Options{
			UDPBuffer: opts.udpBuffer(),
			Logger:    opts.Logger,
		})
	case TransportWS:
		return transferws.Listen(ctx, addr, transferws.Options{
			SendBuffer: opts.SendBuffer,
			RecvBuffer: opts.RecvBuffer,
			Logger:     opts.Logger,
		})
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}
