package transport

import (
	"strings"
	"syscall"
)

const (
	minTCPBuffer = 64 * 1024
	maxTCPBuffer = 64 * 1024 * 1024
)

// TCPTuneResult describes what happened to a socket buffer request.
// Applied values are -1 when unknown.
type TCPTuneResult struct {
	RequestedSnd int
	RequestedRcv int
	AppliedSnd   int
	AppliedRcv   int
	Status       string
	Err          string
}

// TCPControl returns a net.Dialer / net.ListenConfig Control hook that sets
// SO_SNDBUF and SO_RCVBUF on every new socket. A zero size leaves that buffer
// at the system default. report, when non-nil, receives the outcome for each
// socket. It returns nil when both sizes are zero.
func TCPControl(sndbuf, rcvbuf int, report func(TCPTuneResult)) func(network, address string, c syscall.RawConn) error {
	if sndbuf <= 0 && rcvbuf <= 0 {
		return nil
	}
	snd := clampTCPBuffer(sndbuf)
	rcv := clampTCPBuffer(rcvbuf)
	return func(network, address string, c syscall.RawConn) error {
		result := TCPTuneResult{
			RequestedSnd: snd,
			RequestedRcv: rcv,
			AppliedSnd:   -1,
			AppliedRcv:   -1,
			Status:       StatusOK,
		}
		var errs []string
		err := c.Control(func(fd uintptr) {
			result.AppliedSnd, result.AppliedRcv, errs = setSocketBuffers(fd, snd, rcv)
		})
		if err != nil {
			errs = append(errs, "control: "+err.Error())
		}
		if len(errs) > 0 {
			result.Status = StatusDenied
			result.Err = strings.Join(errs, "; ")
		}
		if result.AppliedSnd < 0 && result.AppliedRcv < 0 && len(errs) == 0 {
			result.Status = StatusNA
		}
		if report != nil {
			report(result)
		}
		// Buffer sizing is best effort; never fail the connection over it.
		return nil
	}
}

// clampTCPBuffer keeps a requested size in range. Zero means "leave alone".
func clampTCPBuffer(n int) int {
	if n <= 0 {
		return 0
	}
	if n < minTCPBuffer {
		return minTCPBuffer
	}
	if n > maxTCPBuffer {
		return maxTCPBuffer
	}
	return n
}
