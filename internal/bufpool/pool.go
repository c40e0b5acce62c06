// Package bufpool recycles the fixed-size copy buffers used by transfer
// workers, so concurrent workers do not allocate a fresh chunk per file.
package bufpool

import (
	"io"
	"sync"
)

// DefaultSize is the chunk size used when none is configured.
const DefaultSize = 64 * 1024

// Pool provides buffers of exactly one size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool whose buffers are exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// Get returns a buffer from the pool, or allocates one if the pool is empty.
func (p *Pool) Get() *[]byte {
	bp := p.pool.Get().(*[]byte)
	if cap(*bp) < p.bufSize {
		buf := make([]byte, p.bufSize)
		return &buf
	}
	*bp = (*bp)[:p.bufSize]
	return bp
}

// Put returns a buffer obtained from Get. Buffers smaller than the pool size
// are dropped.
func (p *Pool) Put(bp *[]byte) {
	if bp == nil || cap(*bp) < p.bufSize {
		return
	}
	*bp = (*bp)[:cap(*bp)]
	p.pool.Put(bp)
}

// ReadError is returned by CopyN when the source failed or ended early.
type ReadError struct{ Err error }

func (e *ReadError) Error() string { return "read: " + e.Err.Error() }
func (e *ReadError) Unwrap() error { return e.Err }

// WriteError is returned by CopyN when the destination failed.
type WriteError struct{ Err error }

func (e *WriteError) Error() string { return "write: " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }

// CopyN copies exactly n bytes from src to dst in pooled chunks. A source that
// ends early yields a *ReadError wrapping io.ErrUnexpectedEOF.
func (p *Pool) CopyN(dst io.Writer, src io.Reader, n int64) (int64, error) {
	bp := p.Get()
	defer p.Put(bp)
	buf := *bp

	var written int64
	for written < n {
		chunk := buf
		if rest := n - written; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}
		nr, rerr := src.Read(chunk)
		if nr > 0 {
			nw, werr := dst.Write(chunk[:nr])
			written += int64(nw)
			if werr == nil && nw < nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, &WriteError{Err: werr}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if written == n {
					break
				}
				rerr = io.ErrUnexpectedEOF
			}
			return written, &ReadError{Err: rerr}
		}
	}
	return written, nil
}
