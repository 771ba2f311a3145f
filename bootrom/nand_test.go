package bootrom

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestFCBRoundTrip(t *testing.T) {
	in := FCB{
		PageDataSize:            2048,
		TotalPageSize:           2112,
		PagesPerBlock:           64,
		ECCBlock0Type:           ECCTypeBoot,
		ECCBlockNType:           ECCTypeBoot,
		Firmware1StartPage:      256,
		Firmware2StartPage:      768,
		PagesInFirmware1:        100,
		PagesInFirmware2:        100,
		DBBTSearchAreaStartPage: 64,
		BadBlockMarkerByte:      2048,
	}

	b := in.MarshalBinary()
	if len(b) != FCBSize {
		t.Fatalf("len = %d, want %d", len(b), FCBSize)
	}
	if string(b[4:8]) != FCBFingerprint {
		t.Errorf("fingerprint = %q", b[4:8])
	}

	out, err := ParseFCB(b)
	if err != nil {
		t.Fatalf("ParseFCB() error = %v", err)
	}
	in.Version = FCBVersion
	if *out != in {
		t.Errorf("ParseFCB() = %+v, want %+v", *out, in)
	}
}

func TestParseFCBErrors(t *testing.T) {
	good := (&FCB{PageDataSize: 512}).MarshalBinary()

	corrupt := append([]byte(nil), good...)
	corrupt[20] ^= 0x01

	zero := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(zero, 0)

	wrong := append([]byte(nil), good...)
	copy(wrong[4:], "DBBT")

	tests := []struct {
		name        string
		data        []byte
		checksum    bool
		fingerprint bool
	}{
		{"corrupt field", corrupt, true, false},
		{"zero checksum", zero, true, false},
		{"wrong fingerprint", wrong, false, true},
		{"short", good[:10], false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFCB(tt.data)
			if err == nil {
				t.Fatal("ParseFCB() succeeded")
			}
			if IsChecksumError(err) != tt.checksum {
				t.Errorf("IsChecksumError = %v, want %v (%v)", !tt.checksum, tt.checksum, err)
			}
			if errors.Is(err, ErrFingerprint) != tt.fingerprint {
				t.Errorf("fingerprint error = %v", err)
			}
		})
	}
}

func TestDBBTDataWithTwoBadBlocks(t *testing.T) {
	data := DBBTData{Entries: []uint32{5, 20}}
	b := data.MarshalBinary()

	if n := binary.LittleEndian.Uint32(b[4:]); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	var sum uint32
	for _, c := range b[4:] {
		sum += uint32(c)
	}
	if got := binary.LittleEndian.Uint32(b); got != ^sum {
		t.Errorf("checksum = 0x%08X, want 0x%08X", got, ^sum)
	}

	// page padding after the entries does not matter
	page := make([]byte, 512)
	copy(page, b)
	for i := len(b); i < len(page); i++ {
		page[i] = 0xFF
	}
	out, err := ParseDBBTData(page)
	if err != nil {
		t.Fatalf("ParseDBBTData() error = %v", err)
	}
	if len(out.Entries) != 2 || out.Entries[0] != 5 || out.Entries[1] != 20 {
		t.Errorf("Entries = %v", out.Entries)
	}
}

func TestDBBTZeroChecksumAccepted(t *testing.T) {
	d := (&DBBT{DBBTNumOfPages: 1}).MarshalBinary()
	binary.LittleEndian.PutUint32(d, 0)
	if _, err := ParseDBBT(d); err != nil {
		t.Errorf("ParseDBBT() zero checksum: %v", err)
	}

	data := (&DBBTData{Entries: []uint32{3}}).MarshalBinary()
	binary.LittleEndian.PutUint32(data, 0)
	if _, err := ParseDBBTData(data); err != nil {
		t.Errorf("ParseDBBTData() zero checksum: %v", err)
	}

	data[DBBTDataHeadSize] = 4
	binary.LittleEndian.PutUint32(data, 1)
	if _, err := ParseDBBTData(data); !IsChecksumError(err) {
		t.Errorf("ParseDBBTData() wrong checksum: %v", err)
	}
}

func TestBCBPages(t *testing.T) {
	tests := []struct {
		name      string
		bad       []uint32
		wantPages int
	}{
		{"no bad blocks", nil, 2},
		{"bad blocks", []uint32{5, 20}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := BCB{FCB: FCB{PageDataSize: 512, Firmware1StartPage: 128}, BadBlocks: tt.bad}
			pages := c.Pages(512)
			if len(pages) != tt.wantPages {
				t.Fatalf("len(pages) = %d, want %d", len(pages), tt.wantPages)
			}
			for i, p := range pages {
				if len(p) != 512 {
					t.Errorf("page %d has %d bytes", i, len(p))
				}
			}

			out, err := ParseBCB(pages)
			if err != nil {
				t.Fatalf("ParseBCB() error = %v", err)
			}
			if out.FCB.Firmware1StartPage != 128 {
				t.Errorf("Firmware1StartPage = %d", out.FCB.Firmware1StartPage)
			}
			if len(out.BadBlocks) != len(tt.bad) {
				t.Errorf("BadBlocks = %v, want %v", out.BadBlocks, tt.bad)
			}
		})
	}
}

func TestBCBBlock(t *testing.T) {
	bad := map[int]bool{1: true}
	isBad := func(b int) bool { return bad[b] }

	if got := BCBBlock(0, isBad); got != 0 {
		t.Errorf("BCBBlock(0) = %d, want 0", got)
	}
	if got := BCBBlock(1, isBad); got != 3 {
		t.Errorf("BCBBlock(1) = %d, want 3", got)
	}
}
