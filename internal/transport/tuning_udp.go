package transport

import (
	"net"
	"strings"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024
)

// UDPTuneResult describes the buffer sizes requested for a QUIC socket.
type UDPTuneResult struct {
	RequestedR int
	RequestedW int
	Status     string
	Err        string
}

// ApplyUDPBuffers sets the read and write buffers of the UDP socket that
// carries QUIC traffic. Failures are reported, not returned.
func ApplyUDPBuffers(conn *net.UDPConn, r, w int) UDPTuneResult {
	reqR := clampUDPBuffer(r)
	reqW := clampUDPBuffer(w)
	result := UDPTuneResult{
		RequestedR: reqR,
		RequestedW: reqW,
		Status:     StatusOK,
	}
	if conn == nil {
		result.Status = StatusNA
		result.Err = "no access to underlying UDPConn"
		return result
	}

	var errs []string
	if err := conn.SetReadBuffer(reqR); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(reqW); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

func clampUDPBuffer(n int) int {
	if n < minUDPBuffer {
		return minUDPBuffer
	}
	if n > maxUDPBuffer {
		return maxUDPBuffer
	}
	return n
}
