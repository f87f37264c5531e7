package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteU8(&buf, 0xAB); err != nil {
		t.Fatalf("WriteU8: %v", err)
	}
	if err := WriteU16(&buf, 0x1234); err != nil {
		t.Fatalf("WriteU16: %v", err)
	}
	if err := WriteU32(&buf, 0xDEADBEEF); err != nil {
		t.Fatalf("WriteU32: %v", err)
	}
	if err := WriteU64(&buf, 0x0102030405060708); err != nil {
		t.Fatalf("WriteU64: %v", err)
	}

	u8, err := ReadU8(&buf)
	if err != nil || u8 != 0xAB {
		t.Fatalf("ReadU8 = %v, %v", u8, err)
	}
	u16, err := ReadU16(&buf)
	if err != nil || u16 != 0x1234 {
		t.Fatalf("ReadU16 = %v, %v", u16, err)
	}
	u32, err := ReadU32(&buf)
	if err != nil || u32 != 0xDEADBEEF {
		t.Fatalf("ReadU32 = %v, %v", u32, err)
	}
	u64, err := ReadU64(&buf)
	if err != nil || u64 != 0x0102030405060708 {
		t.Fatalf("ReadU64 = %v, %v", u64, err)
	}
}

func TestBoundedStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBoundedString(&buf, 255, "v1.2.3"); err != nil {
		t.Fatalf("WriteBoundedString: %v", err)
	}
	s, err := ReadBoundedString(&buf, 255)
	if err != nil {
		t.Fatalf("ReadBoundedString: %v", err)
	}
	if s != "v1.2.3" {
		t.Fatalf("got %q", s)
	}
}

func TestBoundedStringLengthPrefixWidth(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBoundedString(&buf, 16, "oro"); err != nil {
		t.Fatalf("WriteBoundedString: %v", err)
	}
	// bound <= 255 means a 1-byte length prefix.
	if buf.Bytes()[0] != 3 {
		t.Fatalf("expected 1-byte length prefix = 3, got %d", buf.Bytes()[0])
	}

	buf.Reset()
	if err := WriteBoundedString(&buf, 65535, "oro"); err != nil {
		t.Fatalf("WriteBoundedString: %v", err)
	}
	if len(buf.Bytes()) != 2+3 {
		t.Fatalf("expected 2-byte length prefix, got %d total bytes", buf.Len())
	}
}

func TestBoundedStringTooLong(t *testing.T) {
	var buf bytes.Buffer
	// Encode naively with a larger bound than the decoder will enforce.
	if err := WriteBoundedString(&buf, 255, strings.Repeat("a", 17)); err != nil {
		t.Fatalf("WriteBoundedString: %v", err)
	}
	if _, err := ReadBoundedString(&buf, 16); !errors.Is(err, ErrStringTooLong) {
		t.Fatalf("expected ErrStringTooLong, got %v", err)
	}
}

func TestBoundedStringMalformedUTF8(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteU8(&buf, 3); err != nil {
		t.Fatalf("WriteU8: %v", err)
	}
	if _, err := buf.Write([]byte{0xFF, 0xFE, 0xFD}); err != nil {
		t.Fatalf("write invalid utf8: %v", err)
	}
	if _, err := ReadBoundedString(&buf, 255); !errors.Is(err, ErrMalformedString) {
		t.Fatalf("expected ErrMalformedString, got %v", err)
	}
}

func TestBoundedBytesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := []byte{1, 2, 3, 4, 5}
	if err := WriteBoundedBytes(&buf, 256, data); err != nil {
		t.Fatalf("WriteBoundedBytes: %v", err)
	}
	out, err := ReadBoundedBytes(&buf, 256)
	if err != nil {
		t.Fatalf("ReadBoundedBytes: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("got %v want %v", out, data)
	}
}

func TestBoundedBytesTooLong(t *testing.T) {
	var buf bytes.Buffer
	// Same 1-byte prefix width as the decoder's bound, so it reads the real length.
	if err := WriteBoundedBytes(&buf, 255, make([]byte, 10)); err != nil {
		t.Fatalf("WriteBoundedBytes: %v", err)
	}
	if _, err := ReadBoundedBytes(&buf, 8); !errors.Is(err, ErrStringTooLong) {
		t.Fatalf("expected ErrStringTooLong, got %v", err)
	}
}
