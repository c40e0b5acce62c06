package transferws

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketStreamRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := Listen(ctx, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			done <- err
			return
		}
		defer s.Close()
		data, err := io.ReadAll(s)
		if err != nil {
			done <- err
			return
		}
		if _, err := s.Write(append([]byte("got:"), data...)); err != nil {
			done <- err
			return
		}
		done <- s.CloseWrite()
	}()

	d := NewDialer(ln.Addr().String(), Options{})
	defer d.Close()

	s, err := d.Dial(ctx)
	require.NoError(t, err)
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())

	reply, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "got:hello", string(reply))
	require.NoError(t, s.Close())
	require.NoError(t, <-done)
}

func TestAcceptAfterClose(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0", Options{})
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	_, err = ln.Accept(context.Background())
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestUpgradeRejectsWrongPath(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, err := Listen(ctx, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer ln.Close()

	d := NewDialer(ln.Addr().String(), Options{})
	d.url = "ws://" + ln.Addr().String() + "/elsewhere"
	_, err = d.Dial(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
