// Package wire implements the binary serialization grammar shared by the
// management protocol and the on-disk event log.
//
// All integers are big-endian. Strings are length-prefixed (u16 for String,
// u8 for SmallString) and must be valid UTF-8. Tagged unions carry a
// single-byte discriminant followed by the variant's fields.
//
// Read failures are reported as ErrInvalidData (syntactically malformed
// input) or io.ErrUnexpectedEOF (truncated input). Writes fail only when
// the underlying stream does.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// ErrInvalidData is returned when a frame is syntactically malformed:
// unknown tag byte, invalid UTF-8, out-of-range scalar.
var ErrInvalidData = errors.New("wire: invalid data")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidData, fmt.Sprintf(format, args...))
}

// eof normalizes io.EOF into io.ErrUnexpectedEOF for truncated values. Only
// ReadU8 (and ReadBool on top of it) skips it and returns io.EOF when the
// stream ends before its byte, so callers reading a leading tag byte can
// distinguish "stream over" from "value cut short".
func eof(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ============================================================================
// Fixed-width integers
// ============================================================================

func WriteU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func WriteU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, eof(err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func WriteU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, eof(err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func WriteU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, eof(err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func WriteI64(w io.Writer, v int64) error {
	return WriteU64(w, uint64(v))
}

func ReadI64(r io.Reader) (int64, error) {
	v, err := ReadU64(r)
	return int64(v), err
}

// ============================================================================
// Bool and char
// ============================================================================

func WriteBool(w io.Writer, v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return WriteU8(w, b)
}

func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadU8(r)
	return b != 0, err
}

// WriteChar writes a rune as its u32 scalar value.
func WriteChar(w io.Writer, c rune) error {
	return WriteU32(w, uint32(c))
}

// ReadChar reads a u32 and validates it as a Unicode scalar value:
// surrogates and values above 0x10FFFF are rejected.
func ReadChar(r io.Reader) (rune, error) {
	v, err := ReadU32(r)
	if err != nil {
		return 0, err
	}
	c := rune(v)
	if v > utf8.MaxRune || (c >= 0xD800 && c <= 0xDFFF) {
		return 0, invalidf("0x%X is not a unicode scalar value", v)
	}
	return c, nil
}

// ============================================================================
// Strings
// ============================================================================

// WriteString writes a u16 byte length followed by the string bytes.
// Strings longer than 65535 bytes cannot be represented.
func WriteString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return invalidf("string of %d bytes exceeds u16 length prefix", len(s))
	}
	if err := WriteU16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func ReadString(r io.Reader) (string, error) {
	n, err := ReadU16(r)
	if err != nil {
		return "", err
	}
	return readStringBody(r, int(n))
}

// WriteSmallString writes a u8 byte length followed by the string bytes.
// Strings longer than 255 bytes cannot be represented.
func WriteSmallString(w io.Writer, s string) error {
	if len(s) > 0xFF {
		return invalidf("string of %d bytes exceeds u8 length prefix", len(s))
	}
	if err := WriteU8(w, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func ReadSmallString(r io.Reader) (string, error) {
	n, err := ReadU8(r)
	if err != nil {
		return "", eof(err)
	}
	return readStringBody(r, int(n))
}

func readStringBody(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", eof(err)
	}
	if !utf8.Valid(buf) {
		return "", invalidf("string is not valid UTF-8")
	}
	return string(buf), nil
}

// ============================================================================
// Option, Result, Vec
// ============================================================================

// WriteOption writes a presence tag, then calls write when present.
func WriteOption(w io.Writer, present bool, write func(io.Writer) error) error {
	if !present {
		return WriteU8(w, 0)
	}
	if err := WriteU8(w, 1); err != nil {
		return err
	}
	return write(w)
}

// ReadOption reads a presence tag, calling read when the value is present.
// Returns whether a value was read.
func ReadOption(r io.Reader, read func(io.Reader) error) (bool, error) {
	tag, err := ReadU8(r)
	if err != nil {
		return false, eof(err)
	}
	if tag == 0 {
		return false, nil
	}
	return true, read(r)
}

// WriteResult writes a 1=Ok / 0=Err tag followed by the matching payload.
func WriteResult(w io.Writer, ok bool, writeOk, writeErr func(io.Writer) error) error {
	if ok {
		if err := WriteU8(w, 1); err != nil {
			return err
		}
		if writeOk == nil {
			return nil
		}
		return writeOk(w)
	}
	if err := WriteU8(w, 0); err != nil {
		return err
	}
	return writeErr(w)
}

// ReadResult reads a Result tag and dispatches to the matching reader.
// Returns whether the value was Ok.
func ReadResult(r io.Reader, readOk, readErr func(io.Reader) error) (bool, error) {
	tag, err := ReadU8(r)
	if err != nil {
		return false, eof(err)
	}
	if tag == 0 {
		return false, readErr(r)
	}
	if readOk == nil {
		return true, nil
	}
	return true, readOk(r)
}

// WriteVec writes a u16 element count followed by each element.
func WriteVec[T any](w io.Writer, items []T, write func(io.Writer, T) error) error {
	if len(items) > 0xFFFF {
		return invalidf("vector of %d elements exceeds u16 length prefix", len(items))
	}
	if err := WriteU16(w, uint16(len(items))); err != nil {
		return err
	}
	for _, it := range items {
		if err := write(w, it); err != nil {
			return err
		}
	}
	return nil
}

func ReadVec[T any](r io.Reader, read func(io.Reader) (T, error)) ([]T, error) {
	n, err := ReadU16(r)
	if err != nil {
		return nil, err
	}
	return readVecBody(r, int(n), read)
}

// WriteSmallVec writes a u8 element count followed by each element.
func WriteSmallVec[T any](w io.Writer, items []T, write func(io.Writer, T) error) error {
	if len(items) > 0xFF {
		return invalidf("vector of %d elements exceeds u8 length prefix", len(items))
	}
	if err := WriteU8(w, uint8(len(items))); err != nil {
		return err
	}
	for _, it := range items {
		if err := write(w, it); err != nil {
			return err
		}
	}
	return nil
}

func ReadSmallVec[T any](r io.Reader, read func(io.Reader) (T, error)) ([]T, error) {
	n, err := ReadU8(r)
	if err != nil {
		return nil, eof(err)
	}
	return readVecBody(r, int(n), read)
}

func readVecBody[T any](r io.Reader, n int, read func(io.Reader) (T, error)) ([]T, error) {
	items := make([]T, 0, n)
	for i := 0; i < n; i++ {
		it, err := read(r)
		if err != nil {
			return nil, eof(err)
		}
		items = append(items, it)
	}
	return items, nil
}
