package bytesize

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ByteSize
		wantErr bool
	}{
		// Plain decimal
		{"decimal", "8192", 8192, false},
		{"decimal one", "1", 1, false},
		{"decimal max", "4294967295", 4294967295, false},

		// Other bases
		{"hex", "0x2000", 8192, false},
		{"hex upper", "0X2000", 8192, false},
		{"octal", "0o20000", 8192, false},
		{"binary", "0b10000000000000", 8192, false},

		// Unit suffixes (×1024)
		{"kilobytes K", "8K", 8192, false},
		{"kilobytes k", "8k", 8192, false},
		{"kilobytes KB", "8KB", 8192, false},
		{"megabytes M", "2M", 2 * 1024 * 1024, false},
		{"megabytes MB", "2MB", 2 * 1024 * 1024, false},
		{"gigabytes G", "1G", 1024 * 1024 * 1024, false},
		{"gigabytes GB", "3GB", 3 * 1024 * 1024 * 1024, false},

		// Base + suffix combinations
		{"hex with suffix", "0x10K", 16 * 1024, false},
		{"binary with suffix", "0b100M", 4 * 1024 * 1024, false},

		// Whitespace
		{"leading space", "  8192", 8192, false},
		{"trailing space", "8192  ", 8192, false},
		{"space before unit", "8 K", 8192, false},

		// Hex digits that look like a unit stay digits
		{"hex ends in b", "0x2B", 0x2B, false},

		// Bounds
		{"zero", "0", 0, true},
		{"zero hex", "0x0", 0, true},
		{"exactly 4GB", "4G", 0, true},
		{"above 4GB", "5G", 0, true},
		{"huge", "99999999999999", 0, true},

		// Garbage
		{"empty", "", 0, true},
		{"whitespace only", "   ", 0, true},
		{"no number", "K", 0, true},
		{"negative", "-1", 0, true},
		{"float", "1.5K", 0, true},
		{"letters", "abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestByteSize_UnmarshalText(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalText([]byte("8K")); err != nil {
		t.Fatalf("UnmarshalText(8K) error = %v", err)
	}
	if b != 8192 {
		t.Errorf("UnmarshalText(8K) = %d, want 8192", b)
	}

	if err := b.UnmarshalText([]byte("nope")); err == nil {
		t.Error("UnmarshalText(nope) expected error")
	}
}

func TestByteSize_String(t *testing.T) {
	tests := []struct {
		input ByteSize
		want  string
	}{
		{512, "512B"},
		{8192, "8KB"},
		{2 * MB, "2MB"},
		{ByteSize(3 * 1024 * 1024 * 1024), "3GB"},
		{1000, "1000B"},
	}
	for _, tt := range tests {
		if got := tt.input.String(); got != tt.want {
			t.Errorf("ByteSize(%d).String() = %q, want %q", uint32(tt.input), got, tt.want)
		}
	}
}
