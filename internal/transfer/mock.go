package transfer

import (
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// MemoryListener is an in-memory Listener paired with a Dialer. It is used to
// run sender and receiver against each other without sockets.
type MemoryListener struct {
	acceptCh  chan *memoryStream
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryPair returns a connected listener and dialer.
func NewMemoryPair() (*MemoryListener, Dialer) {
	l := &MemoryListener{
		acceptCh: make(chan *memoryStream),
		closed:   make(chan struct{}),
	}
	return l, memoryDialer{l: l}
}

type memoryDialer struct {
	l *MemoryListener
}

// Dial hands the remote end of a fresh pipe pair to the listener.
func (d memoryDialer) Dial(ctx context.Context) (Stream, error) {
	aToB, aToBW := io.Pipe()
	bToA, bToAW := io.Pipe()
	local := &memoryStream{reader: bToA, writer: aToBW}
	remote := &memoryStream{reader: aToB, writer: bToAW}

	select {
	case d.l.acceptCh <- remote:
		return local, nil
	case <-d.l.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close is a no-op; the listener owns the pair.
func (d memoryDialer) Close() error {
	return nil
}

// Accept waits for the next Dial.
func (l *MemoryListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-l.acceptCh:
		return s, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns a placeholder address.
func (l *MemoryListener) Addr() net.Addr {
	return memoryAddr{}
}

// Close stops the listener. Pending and future Dials fail.
func (l *MemoryListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

type memoryAddr struct{}

func (memoryAddr) Network() string { return "memory" }
func (memoryAddr) String() string  { return "memory" }

// memoryStream is one end of a bidirectional pipe pair.
type memoryStream struct {
	mu     sync.Mutex
	reader *io.PipeReader
	writer *io.PipeWriter
	closed bool
}

func (s *memoryStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	r := s.reader
	s.mu.Unlock()
	return r.Read(p)
}

func (s *memoryStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	w := s.writer
	s.mu.Unlock()
	return w.Write(p)
}

func (s *memoryStream) CloseWrite() error {
	return s.writer.Close()
}

// SetDeadline is a no-op; pipes have no deadlines.
func (s *memoryStream) SetDeadline(time.Time) error {
	return nil
}

func (s *memoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.reader.Close()
	s.writer.Close()
	return nil
}

var (
	_ Listener = (*MemoryListener)(nil)
	_ Dialer   = memoryDialer{}
	_ Stream   = (*memoryStream)(nil)
)
