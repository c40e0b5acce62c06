package app

import "github.com/sheerbytes/nwcopy/internal/progress"

// meterWriter feeds every written byte count into a progress meter.
type meterWriter struct {
	m *progress.Meter
}

func (w meterWriter) Write(p []byte) (int, error) {
	w.m.Add(len(p))
	return len(p), nil
}
