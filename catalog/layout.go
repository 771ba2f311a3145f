package catalog

import (
	"github.com/moffa90/go-fsimage/fdt"
)

// Layout describes a board configuration to encode with Encode.
type Layout struct {
	DRAMType   string
	DRAMTiming string
	Caps       Caps
	Regions    []Region

	// Extra properties for /board-cfg, passed through unchanged
	Extra map[string]fdt.Property
}

// Encode writes l as a BOARD-CFG device tree blob.
func Encode(l Layout) ([]byte, error) {
	board := &fdt.Node{Name: "board-cfg", Properties: map[string]fdt.Property{}}
	for k, v := range l.Extra {
		board.Properties[k] = v
	}
	if l.DRAMType != "" {
		board.Properties[PropDRAMType] = fdt.Property{Strings: []string{l.DRAMType}}
	}
	if l.DRAMTiming != "" {
		board.Properties[PropDRAMTiming] = fdt.Property{Strings: []string{l.DRAMTiming}}
	}

	info := &fdt.Node{Name: "nboot-info", Properties: map[string]fdt.Property{}}
	flags := []struct {
		c    Caps
		name string
	}{
		{CapCRC32, PropSupportCRC32},
		{CapBoardRev, PropBoardRev},
		{CapUBootWithHeader, PropUBootWithFSH},
		{CapSPLBootPart, PropSPLBootPart},
	}
	for _, f := range flags {
		if l.Caps&f.c != 0 {
			info.Properties[f.name] = fdt.Property{Flag: true}
		}
	}

	for _, r := range l.Regions {
		info.Properties[r.Label+"-start"] = fdt.Property{U32: []uint32{uint32(r.Start[0]), uint32(r.Start[1])}}
		info.Properties[r.Label+"-size"] = fdt.Property{U32: []uint32{uint32(r.Size)}}
		if r.Limit > r.Size {
			info.Properties[r.Label+"-range"] = fdt.Property{U32: []uint32{uint32(r.Limit)}}
		}
		if r.HWPart != [2]int{} {
			info.Properties[r.Label+"-hwpart"] = fdt.Property{U32: []uint32{uint32(r.HWPart[0]), uint32(r.HWPart[1])}}
		}
	}

	return fdt.Build(&fdt.Node{Children: []*fdt.Node{board, info}})
}
