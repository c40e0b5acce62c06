//go:build unix

package transport

import "golang.org/x/sys/unix"

func setSocketBuffers(fd uintptr, snd, rcv int) (appliedSnd, appliedRcv int, errs []string) {
	appliedSnd, appliedRcv = -1, -1
	if snd > 0 {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, snd); err != nil {
			errs = append(errs, "sndbuf: "+err.Error())
		}
		if v, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF); err == nil {
			appliedSnd = v
		}
	}
	if rcv > 0 {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcv); err != nil {
			errs = append(errs, "rcvbuf: "+err.Error())
		}
		if v, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF); err == nil {
			appliedRcv = v
		}
	}
	return appliedSnd, appliedRcv, errs
}
