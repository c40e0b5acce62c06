// Package checksum implements the additive 32-bit integrity value carried
// with every transferred file.
//
// The value is the sum of every byte modulo 2^32. It catches accidental
// corruption and truncation; it is not a cryptographic digest.
package checksum

import "strconv"

// Accumulator keeps a running additive checksum.
// An Accumulator is owned by a single worker and is not safe for concurrent use.
type Accumulator struct {
	sum uint32
}

// New returns an accumulator starting at zero.
func New() *Accumulator {
	return &Accumulator{}
}

// Update adds every byte of chunk to the running sum. Overflow wraps.
func (a *Accumulator) Update(chunk []byte) {
	s := a.sum
	for _, b := range chunk {
		s += uint32(b)
	}
	a.sum = s
}

// Write implements io.Writer so an Accumulator can sit behind io.MultiWriter.
// It never fails.
func (a *Accumulator) Write(p []byte) (int, error) {
	a.Update(p)
	return len(p), nil
}

// Sum32 returns the current value.
func (a *Accumulator) Sum32() uint32 {
	return a.sum
}

// Sum computes the checksum of b in one pass.
func Sum(b []byte) uint32 {
	var a Accumulator
	a.Update(b)
	return a.sum
}

// Format renders v as the decimal string used on the wire.
func Format(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
