package bootrom

import (
	"errors"
	"testing"
)

func TestSecondaryImageTable(t *testing.T) {
	sit, err := NewSecondaryImageTable(0x48400, 0x6000, 512)
	if err != nil {
		t.Fatalf("NewSecondaryImageTable() error = %v", err)
	}
	if sit.FirstSectorNumber != 0x202 {
		t.Errorf("FirstSectorNumber = 0x%X, want 0x202", sit.FirstSectorNumber)
	}
	if sit.SectorCount != 0x30 {
		t.Errorf("SectorCount = 0x%X, want 0x30", sit.SectorCount)
	}

	out, err := ParseSecondaryImageTable(sit.MarshalBinary())
	if err != nil {
		t.Fatalf("ParseSecondaryImageTable() error = %v", err)
	}
	if out.Start(512) != 0x48400 {
		t.Errorf("Start() = 0x%X, want 0x48400", out.Start(512))
	}
}

func TestSecondaryImageTableErrors(t *testing.T) {
	if _, err := NewSecondaryImageTable(0x4000, 0x100, 512); err == nil {
		t.Error("start below base accepted")
	}
	if _, err := NewSecondaryImageTable(0x8100, 0x100, 512); err == nil {
		t.Error("unaligned start accepted")
	}
	if _, err := ParseSecondaryImageTable(make([]byte, SecondaryImageTableSize)); !errors.Is(err, ErrFingerprint) {
		t.Errorf("missing tag error = %v", err)
	}
}
