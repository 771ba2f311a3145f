package fsimage

import (
	"errors"
	"testing"
)

func TestCheckCRC32(t *testing.T) {
	payload := []byte("dram timing blob")

	tests := []struct {
		name  string
		flags Flags
		want  CRCResult
	}{
		{"none", 0, CRCNone},
		{"image", FlagCRC32Image, CRCImageOK},
		{"header", FlagCRC32Header, CRCHeaderOK},
		{"both", FlagsCRC32, CRCBothOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := EncodeRecord(TypeDRAMTiming, "timing", payload, tt.flags, nil)
			if err != nil {
				t.Fatal(err)
			}
			if got := CheckCRC32(rec); got != tt.want {
				t.Errorf("CheckCRC32() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckCRC32DetectsDamage(t *testing.T) {
	payload := []byte("0123456789abcdef0123")

	tests := []struct {
		name    string
		flags   Flags
		flipAt  int
		wantBad bool
	}{
		{"image crc, payload flip", FlagCRC32Image, HeaderSize + 3, true},
		{"image crc, header descr flip", FlagCRC32Image, offParam + 1, false},
		{"header crc, payload flip", FlagCRC32Header, HeaderSize + 3, false},
		{"header crc, header flip", FlagCRC32Header, offParam + 1, true},
		{"both, payload flip", FlagsCRC32, HeaderSize, true},
		{"both, header flip", FlagsCRC32, offParam, true},
		{"both, padding flip", FlagsCRC32, HeaderSize + len(payload) + 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := EncodeRecord("DRAM-FW", "fw", payload, tt.flags, nil)
			if err != nil {
				t.Fatal(err)
			}
			rec[tt.flipAt] ^= 0x01
			got := CheckCRC32(rec)
			if (got == CRCBad) != tt.wantBad {
				t.Errorf("CheckCRC32() = %v, wantBad %v", got, tt.wantBad)
			}
		})
	}
}

func TestValidateRecursive(t *testing.T) {
	b := buildSample(t, FlagsCRC32)
	if err := ValidateRecursive(b); err != nil {
		t.Fatalf("ValidateRecursive() on intact container error = %v", err)
	}
}

func TestValidateRecursiveFlipEveryChild(t *testing.T) {
	clean := buildSample(t, FlagsCRC32)
	entries, err := List(clean)
	if err != nil {
		t.Fatal(err)
	}

	for _, e := range entries {
		if len(e.Payload) == 0 || IsContainerTag(e.Payload) {
			continue
		}
		t.Run(e.Header.TypeString()+"/"+e.Header.Descr(), func(t *testing.T) {
			b := append([]byte(nil), clean...)
			at := int(e.Offset) + HeaderSize + len(e.Payload)/2
			b[at] ^= 0x80

			// the leaf itself
			leaf := b[e.Offset : int(e.Offset)+HeaderSize+len(e.Payload)]
			if CheckCRC32(leaf) != CRCBad {
				t.Error("leaf CRC should be bad")
			}

			// every ancestor covers the flipped byte
			for _, a := range entries {
				if a.Depth >= e.Depth || a.Offset > e.Offset ||
					int(a.Offset)+HeaderSize+len(a.Payload) <= at {
					continue
				}
				anc := b[a.Offset : int(a.Offset)+HeaderSize+len(a.Payload)]
				if CheckCRC32(anc) != CRCBad {
					t.Errorf("ancestor %s CRC should be bad", a.Header.TypeString())
				}
			}

			err := ValidateRecursive(b)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("ValidateRecursive() error = %v, want ValidationError", err)
			}
			if ve.Check != CheckCRC {
				t.Errorf("Check = %q, want %q", ve.Check, CheckCRC)
			}
		})
	}
}

func TestValidateRecursiveWithoutCRC(t *testing.T) {
	b := buildSample(t, 0)
	b[len(b)-40] ^= 0xFF
	if err := ValidateRecursive(b); err != nil {
		t.Errorf("records without CRC must pass, got %v", err)
	}
}

func TestValidateRecursiveTruncated(t *testing.T) {
	b := buildSample(t, FlagsCRC32)
	err := ValidateRecursive(b[:len(b)-64])
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Check != CheckSize {
		t.Errorf("ValidateRecursive() error = %v, want size check failure", err)
	}
}

func TestCheckHeader(t *testing.T) {
	payload := []byte("nboot payload")

	tests := []struct {
		name      string
		flags     Flags
		damage    func(rec []byte)
		wantCheck string
	}{
		{"no CRC", 0, nil, ""},
		{"header CRC intact", FlagCRC32Header, nil, ""},
		{"header CRC damaged", FlagCRC32Header, func(rec []byte) { rec[offVersion] ^= 0x01 }, CheckCRC},
		// needs the payload, so the header alone passes
		{"full CRC damaged", FlagsCRC32, func(rec []byte) { rec[offVersion] ^= 0x01 }, ""},
		{"magic damaged", FlagsCRC32, func(rec []byte) { copy(rec, "XXXX") }, CheckMagic},
		{"magic damaged without CRC", 0, func(rec []byte) { rec[0] = 0 }, CheckMagic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := EncodeRecord(TypeNBoot, "arch", payload, tt.flags, nil)
			if err != nil {
				t.Fatal(err)
			}
			if tt.damage != nil {
				tt.damage(rec)
			}
			h, err := ParseHeader(rec)
			if err != nil {
				t.Fatal(err)
			}

			err = CheckHeader(h)
			if tt.wantCheck == "" {
				if err != nil {
					t.Errorf("CheckHeader() error = %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Check != tt.wantCheck {
				t.Errorf("CheckHeader() error = %v, want %s check", err, tt.wantCheck)
			}
		})
	}
}
