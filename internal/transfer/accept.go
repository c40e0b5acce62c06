package transfer

import (
	"context"
	"net"
	"time"
)

type deadlineListener interface {
	SetDeadline(t time.Time) error
}

// AcceptConn waits for ln.Accept or ctx, whichever comes first. When ctx wins
// and the listener supports deadlines, the pending Accept is interrupted and
// the listener stays usable. Otherwise the listener is closed.
func AcceptConn(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type res struct {
		conn net.Conn
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := ln.Accept()
		ch <- res{conn: c, err: err}
	}()
	select {
	case <-ctx.Done():
	case r := <-ch:
		return r.conn, r.err
	}

	dl, ok := ln.(deadlineListener)
	if !ok {
		_ = ln.Close()
		return nil, ctx.Err()
	}
	_ = dl.SetDeadline(time.Now())
	r := <-ch
	_ = dl.SetDeadline(time.Time{})
	if r.err == nil {
		// Accepted in the same instant ctx fired; nobody will serve it.
		_ = r.conn.Close()
	}
	return nil, ctx.Err()
}
