package fsimage

import (
	"bytes"
	"strings"
	"testing"
)

func TestIsContainerTag(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want bool
	}{
		{"magic", []byte("FSLX...."), true},
		{"exact", []byte("FSLX"), true},
		{"short", []byte("FSL"), false},
		{"other kind", []byte("FSWX"), false},
		{"erased flash", bytes.Repeat([]byte{0xFF}, 64), false},
		{"empty", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsContainerTag(tt.in); got != tt.want {
				t.Errorf("IsContainerTag(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestHeaderSetAndParse(t *testing.T) {
	h, err := NewHeader("BOARD-CFG", "board.3", 100, FlagsCRC32)
	if err != nil {
		t.Fatalf("NewHeader() error = %v", err)
	}

	if h.Padsize != 12 {
		t.Errorf("Padsize = %d, want 12", h.Padsize)
	}
	if h.Size() != 100 {
		t.Errorf("Size() = %d, want 100", h.Size())
	}
	if h.Padded() != 112 {
		t.Errorf("Padded() = %d, want 112", h.Padded())
	}
	if h.Extent() != 176 {
		t.Errorf("Extent() = %d, want 176", h.Extent())
	}

	parsed, err := ParseHeader(h.Bytes())
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if *parsed != *h {
		t.Errorf("ParseHeader(Bytes()) = %+v, want %+v", parsed, h)
	}
	if parsed.TypeString() != "BOARD-CFG" {
		t.Errorf("TypeString() = %q", parsed.TypeString())
	}
	if parsed.Descr() != "board.3" {
		t.Errorf("Descr() = %q", parsed.Descr())
	}
	if parsed.Kind() != "LX" {
		t.Errorf("Kind() = %q", parsed.Kind())
	}
}

func TestHeaderAlignedSizeHasNoPadding(t *testing.T) {
	h, err := NewHeader("SPL", "", 4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h.Padsize != 0 {
		t.Errorf("Padsize = %d, want 0", h.Padsize)
	}
	if h.Flags&FlagDescr != 0 {
		t.Error("FlagDescr set without description")
	}
}

func TestHeaderDescriptionLimit(t *testing.T) {
	tests := []struct {
		name    string
		flags   Flags
		descr   string
		wantErr bool
	}{
		{"plain fits 31", 0, strings.Repeat("a", 31), false},
		{"plain 32 too long", 0, strings.Repeat("a", 32), true},
		{"crc fits 27", FlagCRC32Image, strings.Repeat("a", 27), false},
		{"crc 28 too long", FlagCRC32Image, strings.Repeat("a", 28), true},
		{"signed crc fits 23", FlagSigned | FlagCRC32Header, strings.Repeat("a", 23), false},
		{"signed crc 24 too long", FlagSigned | FlagCRC32Header, strings.Repeat("a", 24), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHeader("X", tt.descr, 0, tt.flags)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewHeader() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHeaderTypeTooLong(t *testing.T) {
	if _, err := NewHeader("THIS-TYPE-IS-TOO-LONG", "", 0, 0); err == nil {
		t.Error("expected error for type longer than 16 bytes")
	}
}

func TestHeaderMatches(t *testing.T) {
	withDescr, _ := NewHeader("FIRMWARE", "imx8mm", 0, 0)
	noDescr, _ := NewHeader("FIRMWARE", "", 0, 0)

	tests := []struct {
		name  string
		h     *Header
		typ   string
		descr []string
		want  bool
	}{
		{"type only", withDescr, "FIRMWARE", nil, true},
		{"type and descr", withDescr, "FIRMWARE", []string{"imx8mm"}, true},
		{"descr mismatch", withDescr, "FIRMWARE", []string{"imx8mp"}, false},
		{"type mismatch", withDescr, "FIRMWAR", nil, false},
		{"type prefix is not a match", withDescr, "FIRMWARE2", nil, false},
		{"no descr flag ignores descr", noDescr, "FIRMWARE", []string{"imx8mp"}, true},
		{"empty descr ignored", withDescr, "FIRMWARE", []string{""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.h.Matches(tt.typ, tt.descr...); got != tt.want {
				t.Errorf("Matches(%q, %v) = %v, want %v", tt.typ, tt.descr, got, tt.want)
			}
		})
	}
}

func TestPayloadSizeOf(t *testing.T) {
	h, _ := NewHeader("ATF", "", 1000, 0)
	if got := PayloadSizeOf(h, false); got != 1000 {
		t.Errorf("PayloadSizeOf(false) = %d, want 1000", got)
	}
	if got := PayloadSizeOf(h, true); got != 1064 {
		t.Errorf("PayloadSizeOf(true) = %d, want 1064", got)
	}
	if got := RecordSize(1064).Payload(); got != 1000 {
		t.Errorf("RecordSize.Payload() = %d, want 1000", got)
	}
}

func TestParseHeaderShort(t *testing.T) {
	if _, err := ParseHeader(make([]byte, 63)); err == nil {
		t.Error("expected error for short header")
	}
}
