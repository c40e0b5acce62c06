package transfer

import (
	"context"
	"io"
	"net"
	"time"
)

// Stream is one logical connection between a sender and a receiver: an
// exclusively owned, ordered, bidirectional byte stream. Exactly one worker
// uses a Stream for its whole life.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite half-closes the stream. The peer observes end of stream once
	// it has read everything written before the call, and can still write back.
	CloseWrite() error

	// SetDeadline sets the read and write deadline. The zero value clears it.
	SetDeadline(t time.Time) error

	// Close releases the stream. Read and Write fail afterwards.
	Close() error
}

// Dialer opens outbound streams to one fixed receiver address.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
	// Close releases resources shared by all streams of the dialer.
	Close() error
}

// Listener accepts inbound streams. Control and data streams share one
// listener; the first stream accepted for a run is the control stream.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}
