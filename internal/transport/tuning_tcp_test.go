package transport

import (
	"net"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampTCPBuffer(t *testing.T) {
	assert.Equal(t, 0, clampTCPBuffer(0))
	assert.Equal(t, 0, clampTCPBuffer(-5))
	assert.Equal(t, minTCPBuffer, clampTCPBuffer(1))
	assert.Equal(t, maxTCPBuffer, clampTCPBuffer(maxTCPBuffer+1))
	assert.Equal(t, 1<<20, clampTCPBuffer(1<<20))
}

func TestTCPControlDisabled(t *testing.T) {
	assert.Nil(t, TCPControl(0, 0, nil))
}

func TestTCPControlAppliesToListener(t *testing.T) {
	var mu sync.Mutex
	var results []TCPTuneResult
	lc := net.ListenConfig{Control: TCPControl(0, 256*1024, func(r TCPTuneResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})}
	ln, err := lc.Listen(t.Context(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Equal(t, 256*1024, results[0].RequestedRcv)
	if runtime.GOOS == "linux" {
		assert.Equal(t, StatusOK, results[0].Status)
		assert.Positive(t, results[0].AppliedRcv)
		assert.Equal(t, -1, results[0].AppliedSnd)
	}
}
