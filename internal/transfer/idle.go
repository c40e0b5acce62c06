package transfer

import "time"

// WithIdleTimeout wraps s so every Read and Write must make progress within d.
// A zero or negative d returns s unchanged.
func WithIdleTimeout(s Stream, d time.Duration) Stream {
	if d <= 0 {
		return s
	}
	return &idleStream{Stream: s, timeout: d}
}

type idleStream struct {
	Stream
	timeout time.Duration
}

func (s *idleStream) Read(p []byte) (int, error) {
	if err := s.Stream.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return 0, err
	}
	return s.Stream.Read(p)
}

func (s *idleStream) Write(p []byte) (int, error) {
	if err := s.Stream.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return 0, err
	}
	return s.Stream.Write(p)
}
