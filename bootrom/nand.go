package bootrom

import (
	"encoding/binary"
	"fmt"
)

// FCB is the Firmware Configuration Block.
type FCB struct {
	Version uint32

	PageDataSize  uint32
	TotalPageSize uint32
	PagesPerBlock uint32
	ECCBlock0Type uint32
	ECCBlockNType uint32

	// Firmware start pages and lengths of both loader copies
	Firmware1StartPage uint32
	Firmware2StartPage uint32
	PagesInFirmware1   uint32
	PagesInFirmware2   uint32

	DBBTSearchAreaStartPage uint32

	BadBlockMarkerByte     uint32
	BadBlockMarkerStartBit uint32
	BBMarkerPhysicalOffset uint32
}

// MarshalBinary encodes the FCB with its checksum.
func (f *FCB) MarshalBinary() []byte {
	b := make([]byte, FCBSize)
	copy(b[4:], FCBFingerprint)
	version := f.Version
	if version == 0 {
		version = FCBVersion
	}
	fields := []uint32{
		version,
		f.PageDataSize, f.TotalPageSize, f.PagesPerBlock,
		f.ECCBlock0Type, f.ECCBlockNType,
		f.Firmware1StartPage, f.Firmware2StartPage,
		f.PagesInFirmware1, f.PagesInFirmware2,
		f.DBBTSearchAreaStartPage,
		f.BadBlockMarkerByte, f.BadBlockMarkerStartBit, f.BBMarkerPhysicalOffset,
	}
	for i, v := range fields {
		binary.LittleEndian.PutUint32(b[8+4*i:], v)
	}
	binary.LittleEndian.PutUint32(b, Checksum(b))
	return b
}

// ParseFCB decodes and verifies an FCB. A zero checksum is not accepted.
func ParseFCB(b []byte) (*FCB, error) {
	if len(b) < FCBSize {
		return nil, fmt.Errorf("FCB too short: got %d bytes, need %d", len(b), FCBSize)
	}
	b = b[:FCBSize]
	if string(b[4:8]) != FCBFingerprint {
		return nil, fmt.Errorf("FCB: %w %q", ErrFingerprint, b[4:8])
	}
	if err := verifyChecksum("FCB", b, false); err != nil {
		return nil, err
	}
	return &FCB{
		Version:                 le32(b, 8),
		PageDataSize:            le32(b, 12),
		TotalPageSize:           le32(b, 16),
		PagesPerBlock:           le32(b, 20),
		ECCBlock0Type:           le32(b, 24),
		ECCBlockNType:           le32(b, 28),
		Firmware1StartPage:      le32(b, 32),
		Firmware2StartPage:      le32(b, 36),
		PagesInFirmware1:        le32(b, 40),
		PagesInFirmware2:        le32(b, 44),
		DBBTSearchAreaStartPage: le32(b, 48),
		BadBlockMarkerByte:      le32(b, 52),
		BadBlockMarkerStartBit:  le32(b, 56),
		BBMarkerPhysicalOffset:  le32(b, 60),
	}, nil
}

// DBBT is the Discovered Bad Block Table descriptor.
type DBBT struct {
	Version uint32

	// DBBTNumOfPages is the number of DBBT-DATA pages that follow, 0 when
	// the search area has no bad blocks
	DBBTNumOfPages uint32
}

// MarshalBinary encodes the DBBT with its checksum.
func (d *DBBT) MarshalBinary() []byte {
	b := make([]byte, DBBTSize)
	copy(b[4:], DBBTFingerprint)
	version := d.Version
	if version == 0 {
		version = DBBTVersion
	}
	binary.LittleEndian.PutUint32(b[8:], version)
	binary.LittleEndian.PutUint32(b[16:], d.DBBTNumOfPages)
	binary.LittleEndian.PutUint32(b, Checksum(b))
	return b
}

// ParseDBBT decodes and verifies a DBBT. A zero checksum is accepted.
func ParseDBBT(b []byte) (*DBBT, error) {
	if len(b) < DBBTSize {
		return nil, fmt.Errorf("DBBT too short: got %d bytes, need %d", len(b), DBBTSize)
	}
	b = b[:DBBTSize]
	if string(b[4:8]) != DBBTFingerprint {
		return nil, fmt.Errorf("DBBT: %w %q", ErrFingerprint, b[4:8])
	}
	if err := verifyChecksum("DBBT", b, true); err != nil {
		return nil, err
	}
	return &DBBT{Version: le32(b, 8), DBBTNumOfPages: le32(b, 16)}, nil
}

// DBBTData is the list of bad blocks inside the boot search area.
type DBBTData struct {
	Entries []uint32
}

// MarshalBinary encodes the list with its checksum.
func (d *DBBTData) MarshalBinary() []byte {
	b := make([]byte, DBBTDataHeadSize+4*len(d.Entries))
	binary.LittleEndian.PutUint32(b[4:], uint32(len(d.Entries)))
	for i, e := range d.Entries {
		binary.LittleEndian.PutUint32(b[DBBTDataHeadSize+4*i:], e)
	}
	binary.LittleEndian.PutUint32(b, Checksum(b))
	return b
}

// ParseDBBTData decodes and verifies a DBBT-DATA page. The checksum covers
// the count and the entries only, so trailing page bytes may be anything.
// A zero checksum is accepted.
func ParseDBBTData(b []byte) (*DBBTData, error) {
	if len(b) < DBBTDataHeadSize {
		return nil, fmt.Errorf("DBBT-DATA too short: got %d bytes", len(b))
	}
	n := le32(b, 4)
	end := uint64(DBBTDataHeadSize) + 4*uint64(n)
	if end > uint64(len(b)) {
		return nil, fmt.Errorf("DBBT-DATA lists %d entries, only room for %d", n, (len(b)-DBBTDataHeadSize)/4)
	}
	b = b[:end]
	if err := verifyChecksum("DBBT-DATA", b, true); err != nil {
		return nil, err
	}
	d := &DBBTData{Entries: make([]uint32, n)}
	for i := range d.Entries {
		d.Entries[i] = le32(b, DBBTDataHeadSize+4*i)
	}
	return d, nil
}

// BCB is the content of one Boot Control Block copy.
type BCB struct {
	FCB FCB

	// BadBlocks are the bad block indices inside the search area
	BadBlocks []uint32
}

// Pages returns the BCB pages, each padded to pageSize. The DBBT-DATA page
// is only present when there are bad blocks.
func (c *BCB) Pages(pageSize int) [][]byte {
	dbbt := DBBT{}
	if len(c.BadBlocks) > 0 {
		dbbt.DBBTNumOfPages = 1
	}

	pages := [][]byte{
		pad(c.FCB.MarshalBinary(), pageSize),
		pad(dbbt.MarshalBinary(), pageSize),
	}
	if len(c.BadBlocks) > 0 {
		data := DBBTData{Entries: c.BadBlocks}
		pages = append(pages, pad(data.MarshalBinary(), pageSize))
	}
	return pages
}

// ParseBCB decodes the pages of one BCB copy.
func ParseBCB(pages [][]byte) (*BCB, error) {
	if len(pages) < 2 {
		return nil, fmt.Errorf("BCB needs at least %d pages, got %d", 2, len(pages))
	}
	fcb, err := ParseFCB(pages[PageFCB])
	if err != nil {
		return nil, err
	}
	dbbt, err := ParseDBBT(pages[PageDBBT])
	if err != nil {
		return nil, err
	}
	c := &BCB{FCB: *fcb}
	if dbbt.DBBTNumOfPages > 0 {
		if len(pages) <= PageDBBTData {
			return nil, fmt.Errorf("DBBT announces %d data pages, none given", dbbt.DBBTNumOfPages)
		}
		data, err := ParseDBBTData(pages[PageDBBTData])
		if err != nil {
			return nil, err
		}
		c.BadBlocks = data.Entries
	}
	return c, nil
}

// BCBBlock returns the block holding BCB copy n, moving it by BCBStride
// when its block is bad.
func BCBBlock(n int, isBad func(block int) bool) int {
	block := n
	if isBad != nil && isBad(block) {
		block += BCBStride
	}
	return block
}

func pad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out, b)
	return out
}

func le32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off:])
}
