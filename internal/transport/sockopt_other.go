//go:build !unix

package transport

func setSocketBuffers(fd uintptr, snd, rcv int) (int, int, []string) {
	return -1, -1, nil
}
