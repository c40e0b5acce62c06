package app

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndToEndOverNetworkTransports(t *testing.T) {
	for _, kind := range []string{TransportTCP, TransportQUIC, TransportWS} {
		t.Run(kind, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			files := map[string]string{
				"a.txt":   "hello",
				"b.txt":   "",
				"big.bin": strings.Repeat("0123456789abcdef", 64*1024),
			}
			for i := 0; i < 5; i++ {
				files[fmt.Sprintf("n%d", i)] = strings.Repeat("x", i*333)
			}
			listing := writeTree(t, files)
			sink, outDir := newSink(t)
			opts := TransportOptions{DialTimeout: 5 * time.Second, Logger: quietLogger()}

			ln, err := Listen(ctx, kind, "127.0.0.1:0", opts)
			require.NoError(t, err)
			defer ln.Close()
			recv := startReceiver(ctx, NewReceiver(ln, ReceiverOptions{Sink: sink, IOTimeout: 10 * time.Second, Logger: quietLogger()}))

			dialer, err := NewDialer(kind, ln.Addr().String(), opts)
			require.NoError(t, err)
			defer dialer.Close()

			sent, err := NewSender(dialer, SenderOptions{Concurrency: 3, IOTimeout: 10 * time.Second, Logger: quietLogger()}).Send(ctx, listing)
			require.NoError(t, err)
			got := <-recv
			require.NoError(t, got.err)

			assert.Equal(t, len(files), sent.Count(StatusOK))
			assert.Equal(t, len(files), got.summary.Count(StatusOK))
			assert.Equal(t, uint32(532), resultsByName(got.summary.Results)["a.txt"].Checksum)
			assert.Equal(t, files, readTree(t, outDir))
		})
	}
}

func TestUnknownTransport(t *testing.T) {
	_, err := NewDialer("carrier-pigeon", "host:1", TransportOptions{})
	assert.ErrorContains(t, err, "unknown transport")
	_, err = Listen(context.Background(), "carrier-pigeon", "127.0.0.1:0", TransportOptions{})
	assert.ErrorContains(t, err, "unknown transport")
}

func TestReachableAddrs(t *testing.T) {
	assert.Equal(t, []string{"10.1.2.3:5080"}, ReachableAddrs("10.1.2.3:5080"))
	for _, a := range ReachableAddrs(":5080") {
		assert.True(t, strings.HasSuffix(a, ":5080"), a)
	}
	assert.NotEmpty(t, ReachableAddrs("0.0.0.0:9"))
}
