// Package bytesize parses the buffer-size strings accepted on the command
// line and in the configuration file.
//
// Supported formats:
//   - Decimal: 8192
//   - Hex, octal, binary: 0x2000, 0o20000, 0b10000000000000
//   - An optional binary unit suffix (×1024): K/KB, M/MB, G/GB
//
// The value must be greater than zero and smaller than 4 GiB, since it has
// to fit the server's 32-bit buffer-size cell.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a buffer size in bytes.
type ByteSize uint32

// Common byte size constants
const (
	B  ByteSize = 1
	KB ByteSize = 1024
	MB ByteSize = 1024 * KB
	GB          = uint64(1024) * uint64(MB)
)

// Parse parses a buffer size string. It accepts "8192", "0x2000", "8K",
// "2M" and similar; the result must be in [1, 2³²-1].
func Parse(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty buffer size string")
	}

	multiplier := uint64(1)
	switch last := s[len(s)-1]; last {
	case 'k', 'K':
		multiplier = uint64(KB)
		s = s[:len(s)-1]
	case 'm', 'M':
		multiplier = uint64(MB)
		s = s[:len(s)-1]
	case 'g', 'G':
		multiplier = GB
		s = s[:len(s)-1]
	case 'b', 'B':
		// Allow the KB/MB/GB spellings; a bare trailing B only counts as a
		// unit when preceded by K, M or G (0x2B stays a hex number).
		if len(s) >= 2 {
			switch s[len(s)-2] {
			case 'k', 'K':
				multiplier = uint64(KB)
				s = s[:len(s)-2]
			case 'm', 'M':
				multiplier = uint64(MB)
				s = s[:len(s)-2]
			case 'g', 'G':
				multiplier = GB
				s = s[:len(s)-2]
			}
		}
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("missing number in buffer size")
	}

	// base 0 accepts decimal plus the 0x/0o/0b prefixes
	num, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer size number: %q", s)
	}

	total := num * multiplier
	if num != 0 && total/multiplier != num {
		return 0, fmt.Errorf("buffer size overflows")
	}
	if total == 0 {
		return 0, fmt.Errorf("buffer size must be greater than zero")
	}
	if total >= GB*4 {
		return 0, fmt.Errorf("buffer size must be smaller than 4GB")
	}

	return ByteSize(total), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so ByteSize can be used
// directly in configuration structs.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// String returns a human-readable representation of the byte size.
func (b ByteSize) String() string {
	switch {
	case uint64(b) >= GB && uint64(b)%GB == 0:
		return fmt.Sprintf("%dGB", uint64(b)/GB)
	case b >= MB && b%MB == 0:
		return fmt.Sprintf("%dMB", b/MB)
	case b >= KB && b%KB == 0:
		return fmt.Sprintf("%dKB", b/KB)
	default:
		return fmt.Sprintf("%dB", uint32(b))
	}
}

// Uint32 returns the ByteSize as a uint32.
func (b ByteSize) Uint32() uint32 {
	return uint32(b)
}
