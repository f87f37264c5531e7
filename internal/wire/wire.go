// Package wire implements the bit-level encoding primitives used by the
// Link protocol: fixed-width big-endian integers, fixed-size byte arrays,
// and length-prefixed bounded strings/byte vectors. It is stateless and
// safe for concurrent use; framing of discriminated packets lives one
// layer up in internal/protocol.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// ErrStringTooLong is returned when a decoded bounded string or byte vector
// declares a length exceeding its static bound.
var ErrStringTooLong = errors.New("wire: string too long")

// ErrMalformedString is returned when a decoded bounded string is not valid UTF-8.
var ErrMalformedString = errors.New("wire: malformed string")

// WriteU8 writes a single byte.
func WriteU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	if err != nil {
		return fmt.Errorf("wire: write u8: %w", err)
	}
	return nil
}

// ReadU8 reads a single byte.
func ReadU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: read u8: %w", err)
	}
	return b[0], nil
}

// WriteU16 writes a big-endian uint16.
func WriteU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("wire: write u16: %w", err)
	}
	return nil
}

// ReadU16 reads a big-endian uint16.
func ReadU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: read u16: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// WriteU32 writes a big-endian uint32.
func WriteU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("wire: write u32: %w", err)
	}
	return nil
}

// ReadU32 reads a big-endian uint32.
func ReadU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: read u32: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteU64 writes a big-endian uint64.
func WriteU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("wire: write u64: %w", err)
	}
	return nil
}

// ReadU64 reads a big-endian uint64.
func ReadU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: read u64: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// WriteBytes writes a fixed-size byte array verbatim (no length prefix).
func WriteBytes(w io.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("wire: write bytes: %w", err)
	}
	return nil
}

// ReadBytes reads exactly len(b) bytes into b.
func ReadBytes(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("wire: read bytes: %w", err)
	}
	return nil
}

// lenWidth returns the wire width, in bytes, of the length prefix for a
// bound of n: 1 byte if n<=255, 2 bytes if n<=65535, else 4 bytes.
func lenWidth(bound int) int {
	switch {
	case bound <= 0xFF:
		return 1
	case bound <= 0xFFFF:
		return 2
	default:
		return 4
	}
}

func writeLen(w io.Writer, bound, n int) error {
	switch lenWidth(bound) {
	case 1:
		if n > 0xFF {
			return fmt.Errorf("wire: encode length: %w (%d does not fit a 1-byte prefix)", ErrStringTooLong, n)
		}
		return WriteU8(w, uint8(n))
	case 2:
		if n > 0xFFFF {
			return fmt.Errorf("wire: encode length: %w (%d does not fit a 2-byte prefix)", ErrStringTooLong, n)
		}
		return WriteU16(w, uint16(n))
	default:
		return WriteU32(w, uint32(n))
	}
}

func readLen(r io.Reader, bound int) (int, error) {
	switch lenWidth(bound) {
	case 1:
		v, err := ReadU8(r)
		return int(v), err
	case 2:
		v, err := ReadU16(r)
		return int(v), err
	default:
		v, err := ReadU32(r)
		return int(v), err
	}
}

// WriteBoundedString writes a length-prefixed UTF-8 string. bound is the
// static maximum declared for the field (e.g. 255); it determines the
// width of the length prefix, not a runtime check on encode. A length that
// does not fit in that prefix is rejected with ErrStringTooLong before
// anything is written.
func WriteBoundedString(w io.Writer, bound int, s string) error {
	if err := writeLen(w, bound, len(s)); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("wire: write string body: %w", err)
	}
	return nil
}

// ReadBoundedString reads a length-prefixed string and validates it
// against bound and UTF-8.
func ReadBoundedString(r io.Reader, bound int) (string, error) {
	n, err := readLen(r, bound)
	if err != nil {
		return "", err
	}
	if n > bound {
		return "", fmt.Errorf("wire: decode string: %w (%d > %d)", ErrStringTooLong, n, bound)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("wire: read string body: %w", err)
		}
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("wire: decode string: %w", ErrMalformedString)
	}
	return string(buf), nil
}

// WriteBoundedBytes writes a length-prefixed byte vector (same framing as
// a bounded string, without UTF-8 semantics).
func WriteBoundedBytes(w io.Writer, bound int, b []byte) error {
	if err := writeLen(w, bound, len(b)); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("wire: write bytes body: %w", err)
	}
	return nil
}

// ReadBoundedBytes reads a length-prefixed byte vector and validates it
// against bound.
func ReadBoundedBytes(r io.Reader, bound int) ([]byte, error) {
	n, err := readLen(r, bound)
	if err != nil {
		return nil, err
	}
	if n > bound {
		return nil, fmt.Errorf("wire: decode bytes: %w (%d > %d)", ErrStringTooLong, n, bound)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("wire: read bytes body: %w", err)
		}
	}
	return buf, nil
}
