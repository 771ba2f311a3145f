package bootrom

import (
	"encoding/binary"
	"fmt"
)

// SecondaryImageTable points the ROM at the redundant loader copy.
type SecondaryImageTable struct {
	// FirstSectorNumber is counted from SecondaryImageBase
	FirstSectorNumber uint32

	// SectorCount is the loader length in sectors, 0 if unknown
	SectorCount uint32
}

// NewSecondaryImageTable returns the table for a loader copy starting at
// the user-area byte offset start.
func NewSecondaryImageTable(start, size int64, sectorSize int) (*SecondaryImageTable, error) {
	if start < SecondaryImageBase || (start-SecondaryImageBase)%int64(sectorSize) != 0 {
		return nil, fmt.Errorf("secondary loader at 0x%X is not a sector above 0x%X", start, SecondaryImageBase)
	}
	return &SecondaryImageTable{
		FirstSectorNumber: uint32((start - SecondaryImageBase) / int64(sectorSize)),
		SectorCount:       uint32((size + int64(sectorSize) - 1) / int64(sectorSize)),
	}, nil
}

// MarshalBinary encodes the table.
func (t *SecondaryImageTable) MarshalBinary() []byte {
	b := make([]byte, SecondaryImageTableSize)
	binary.LittleEndian.PutUint32(b[8:], SecondaryImageTag)
	binary.LittleEndian.PutUint32(b[12:], t.FirstSectorNumber)
	binary.LittleEndian.PutUint32(b[16:], t.SectorCount)
	return b
}

// ParseSecondaryImageTable decodes a table and checks its tag.
func ParseSecondaryImageTable(b []byte) (*SecondaryImageTable, error) {
	if len(b) < SecondaryImageTableSize {
		return nil, fmt.Errorf("secondary image table too short: got %d bytes", len(b))
	}
	if tag := le32(b, 8); tag != SecondaryImageTag {
		return nil, fmt.Errorf("secondary image table: %w 0x%08X", ErrFingerprint, tag)
	}
	return &SecondaryImageTable{FirstSectorNumber: le32(b, 12), SectorCount: le32(b, 16)}, nil
}

// Start returns the user-area byte offset the table points at.
func (t *SecondaryImageTable) Start(sectorSize int) int64 {
	return SecondaryImageBase + int64(t.FirstSectorNumber)*int64(sectorSize)
}
