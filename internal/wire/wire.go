// Package wire encodes the fixed-width fields exchanged between a sender and
// a receiver.
//
// Control connection: concurrency | total, answered by an ack token.
// Data connection:    name | length | payload | checksum, answered by an ack
// token. An all-zero name field is a skip marker and ends the exchange early.
//
// Numbers are ASCII decimal, left aligned and NUL padded. Names are raw bytes,
// NUL padded; names longer than the field are truncated.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// DefaultNameWidth is the default width of the filename field.
	DefaultNameWidth = 1024
	// DefaultNumberWidth is the default width of every decimal field.
	DefaultNumberWidth = 32

	// MinNumberWidth fits the largest int64 payload length.
	MinNumberWidth = 20

	// TokenSize is the width of an acknowledgement token.
	TokenSize = 3
)

// Acknowledgement tokens written by the receiver.
const (
	TokenAck = "ACK"
	TokenNak = "NAK"
)

var (
	// ErrFieldWidth indicates a codec was configured with unusable widths.
	ErrFieldWidth = errors.New("invalid field width")
	// ErrNumberTooWide indicates a decimal value does not fit its field.
	ErrNumberTooWide = errors.New("number does not fit field")
	// ErrMalformedNumber indicates a decimal field could not be parsed.
	ErrMalformedNumber = errors.New("malformed number field")
	// ErrUnknownToken indicates an acknowledgement token was not ACK or NAK.
	ErrUnknownToken = errors.New("unknown acknowledgement token")
)

// Codec reads and writes fields of a fixed geometry. Both peers must use
// identical widths; the widths themselves are never transmitted.
type Codec struct {
	NameWidth   int
	NumberWidth int
}

// Default returns a codec with the default widths.
func Default() Codec {
	return Codec{NameWidth: DefaultNameWidth, NumberWidth: DefaultNumberWidth}
}

// Validate reports whether the widths can carry every field.
func (c Codec) Validate() error {
	if c.NameWidth < 1 {
		return fmt.Errorf("%w: name width %d", ErrFieldWidth, c.NameWidth)
	}
	if c.NumberWidth < MinNumberWidth {
		return fmt.Errorf("%w: number width %d (min %d)", ErrFieldWidth, c.NumberWidth, MinNumberWidth)
	}
	return nil
}

// Plan is the content of the control connection.
type Plan struct {
	Concurrency int
	Total       int
}

// WritePlan writes the concurrency announcement followed by the job total.
func (c Codec) WritePlan(w io.Writer, p Plan) error {
	if p.Concurrency < 0 || p.Total < 0 {
		return fmt.Errorf("negative plan %+v", p)
	}
	if err := c.writeNumber(w, uint64(p.Concurrency), "concurrency"); err != nil {
		return err
	}
	return c.writeNumber(w, uint64(p.Total), "total")
}

// ReadPlan reads a plan written by WritePlan.
func (c Codec) ReadPlan(r io.Reader) (Plan, error) {
	conc, err := c.readNumber(r, 31, "concurrency")
	if err != nil {
		return Plan{}, err
	}
	total, err := c.readNumber(r, 31, "total")
	if err != nil {
		return Plan{}, err
	}
	return Plan{Concurrency: int(conc), Total: int(total)}, nil
}

// EncodeName returns the bytes of name as they will appear on the wire,
// truncated to the field width. It reports whether truncation happened.
func (c Codec) EncodeName(name string) ([]byte, bool) {
	b := []byte(name)
	if len(b) > c.NameWidth {
		return b[:c.NameWidth], true
	}
	return b, false
}

// WriteName writes name into the filename field. An empty name writes the
// skip marker.
func (c Codec) WriteName(w io.Writer, name string) error {
	b, _ := c.EncodeName(name)
	field := make([]byte, c.NameWidth)
	copy(field, b)
	return writeFull(w, field, "name")
}

// WriteSkip writes the skip marker.
func (c Codec) WriteSkip(w io.Writer) error {
	return c.WriteName(w, "")
}

// ReadName reads the filename field. The returned name stops at the first NUL
// byte; an empty result is the skip marker.
func (c Codec) ReadName(r io.Reader) (string, error) {
	field := make([]byte, c.NameWidth)
	if err := readFull(r, field, "name"); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field), nil
}

// WriteLength writes the payload byte count.
func (c Codec) WriteLength(w io.Writer, n int64) error {
	if n < 0 {
		return fmt.Errorf("negative length %d", n)
	}
	return c.writeNumber(w, uint64(n), "length")
}

// ReadLength reads the payload byte count.
func (c Codec) ReadLength(r io.Reader) (int64, error) {
	n, err := c.readNumber(r, 63, "length")
	return int64(n), err
}

// WriteChecksum writes the decimal checksum field.
func (c Codec) WriteChecksum(w io.Writer, sum uint32) error {
	return c.writeNumber(w, uint64(sum), "checksum")
}

// ReadChecksum reads the decimal checksum field.
func (c Codec) ReadChecksum(r io.Reader) (uint32, error) {
	v, err := c.readNumber(r, 32, "checksum")
	return uint32(v), err
}

// WriteAck writes ACK when ok is true and NAK otherwise.
func WriteAck(w io.Writer, ok bool) error {
	tok := TokenNak
	if ok {
		tok = TokenAck
	}
	return writeFull(w, []byte(tok), "ack")
}

// ReadAck reads an acknowledgement token and reports whether it was ACK.
func ReadAck(r io.Reader) (bool, error) {
	var buf [TokenSize]byte
	if err := readFull(r, buf[:], "ack"); err != nil {
		return false, err
	}
	switch string(buf[:]) {
	case TokenAck:
		return true, nil
	case TokenNak:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownToken, buf[:])
	}
}

// ExpectEOF succeeds only if the peer has already closed its write side.
func ExpectEOF(r io.Reader) error {
	var one [1]byte
	_, err := io.ReadFull(r, one[:])
	switch {
	case err == nil:
		return fmt.Errorf("unexpected trailing data after checksum")
	case err == io.EOF:
		return nil
	default:
		return fmt.Errorf("read end of stream: %w", err)
	}
}

func (c Codec) writeNumber(w io.Writer, v uint64, op string) error {
	digits := strconv.FormatUint(v, 10)
	if len(digits) > c.NumberWidth {
		return fmt.Errorf("%w: %s %s", ErrNumberTooWide, op, digits)
	}
	field := make([]byte, c.NumberWidth)
	copy(field, digits)
	return writeFull(w, field, op)
}

func (c Codec) readNumber(r io.Reader, bits int, op string) (uint64, error) {
	field := make([]byte, c.NumberWidth)
	if err := readFull(r, field, op); err != nil {
		return 0, err
	}
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	field = bytes.TrimSpace(field)
	if len(field) == 0 {
		return 0, fmt.Errorf("%w: %s is empty", ErrMalformedNumber, op)
	}
	v, err := strconv.ParseUint(string(field), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedNumber, op, field)
	}
	return v, nil
}

func readFull(r io.Reader, buf []byte, op string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read %s field: %w", op, err)
	}
	return nil
}

func writeFull(w io.Writer, buf []byte, op string) error {
	written := 0
	for written < len(buf) {
		n, err := w.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("write %s field: %w", op, err)
		}
		if n == 0 {
			return fmt.Errorf("write %s field: %w", op, io.ErrShortWrite)
		}
		written += n
	}
	return nil
}
