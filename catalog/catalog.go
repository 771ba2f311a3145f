// Package catalog reads the storage layout carried in a BOARD-CFG record.
//
// The BOARD-CFG payload is a flattened device tree. Node /nboot-info holds one
// set of properties per region label:
//
//	<label>-start  = <copy0 copy1>;
//	<label>-size   = <n>;
//	<label>-range  = <n>;        optional, room for bad blocks
//	<label>-hwpart = <p0 p1>;    optional, eMMC only
//
// plus the capability flags support-crc32, board-rev, uboot-with-fsh and
// spl-boot-part. Node /board-cfg names the DRAM chip and timing profile.
package catalog

import (
	"errors"
	"fmt"

	"github.com/moffa90/go-fsimage/fdt"
)

// Region labels.
const (
	LabelSPL   = "spl"
	LabelNBoot = "nboot"
	LabelUBoot = "uboot"
	LabelEnv   = "env"
)

// Device tree paths and property names.
const (
	InfoPath  = "/nboot-info"
	BoardPath = "/board-cfg"

	PropDRAMType   = "dram-type"
	PropDRAMTiming = "dram-timing"

	PropSupportCRC32 = "support-crc32"
	PropBoardRev     = "board-rev"
	PropUBootWithFSH = "uboot-with-fsh"
	PropSPLBootPart  = "spl-boot-part"
)

var (
	// ErrMissing is returned when a required catalog entry is absent or unusable.
	ErrMissing = errors.New("missing catalog entry")
)

// AlignmentError reports a catalog value that is not a multiple of the
// erase or block granularity of the target device.
type AlignmentError struct {
	Label    string
	Property string
	Value    int64
	Align    int64
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("%s: 0x%X is not aligned to 0x%X", e.Property, e.Value, e.Align)
}

// Caps is the set of capability flags of a board configuration.
type Caps uint8

const (
	// CapCRC32 stamps CRC32 checksums into every saved header
	CapCRC32 Caps = 1 << iota

	// CapBoardRev stores the running board id as BOARD-CFG description
	CapBoardRev

	// CapUBootWithHeader keeps the container header in front of U-BOOT
	CapUBootWithHeader

	// CapSPLBootPart duplicates the SPL into the eMMC boot partition
	CapSPLBootPart
)

func (c Caps) String() string {
	names := []struct {
		c    Caps
		name string
	}{
		{CapCRC32, PropSupportCRC32},
		{CapBoardRev, PropBoardRev},
		{CapUBootWithHeader, PropUBootWithFSH},
		{CapSPLBootPart, PropSPLBootPart},
	}
	s := ""
	for _, n := range names {
		if c&n.c == 0 {
			continue
		}
		if s != "" {
			s += ","
		}
		s += n.name
	}
	if s == "" {
		return "none"
	}
	return s
}

// Region is one logical storage area with two redundant copies.
type Region struct {
	Label string

	// Start is the device offset of each copy
	Start [2]int64

	// Size is the number of bytes an image in the region may occupy
	Size int64

	// Limit is the room reserved per copy, at least Size. On NAND the
	// difference absorbs bad blocks.
	Limit int64

	// HWPart is the eMMC hardware partition of each copy
	HWPart [2]int
}

// End returns the first offset past the room of copy.
func (r Region) End(cp int) int64 {
	return r.Start[cp] + r.Limit
}

func (r Region) String() string {
	return fmt.Sprintf("%s[0x%X,0x%X]+0x%X", r.Label, r.Start[0], r.Start[1], r.Size)
}

// Catalog is the parsed storage layout of one board configuration.
type Catalog struct {
	Caps Caps

	info  *fdt.Node
	board *fdt.Node
}

// Parse reads a catalog from a BOARD-CFG payload.
func Parse(payload []byte) (*Catalog, error) {
	tree, err := fdt.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("parse board configuration: %w", err)
	}
	info := tree.Node(InfoPath)
	if info == nil {
		return nil, fmt.Errorf("%w: node %s", ErrMissing, InfoPath)
	}

	c := &Catalog{info: info, board: tree.Node(BoardPath)}
	if info.Has(PropSupportCRC32) {
		c.Caps |= CapCRC32
	}
	if info.Has(PropBoardRev) {
		c.Caps |= CapBoardRev
	}
	if info.Has(PropUBootWithFSH) {
		c.Caps |= CapUBootWithHeader
	}
	if info.Has(PropSPLBootPart) {
		c.Caps |= CapSPLBootPart
	}
	return c, nil
}

// Has reports whether the catalog carries a start property for label.
func (c *Catalog) Has(label string) bool {
	return c.info.Has(label + "-start")
}

// Region returns the region for label. Starts, size and range must all be
// multiples of align.
func (c *Catalog) Region(label string, align int64) (Region, error) {
	r := Region{Label: label}

	starts, err := c.cells(label, "start", 2)
	if err != nil {
		return r, err
	}
	size, err := c.cells(label, "size", 1)
	if err != nil {
		return r, err
	}
	r.Start = [2]int64{starts[0], starts[1]}
	r.Size = size[0]
	r.Limit = r.Size

	if c.info.Has(label + "-range") {
		rng, err := c.cells(label, "range", 1)
		if err != nil {
			return r, err
		}
		if rng[0] < r.Size {
			return r, fmt.Errorf("%w: %s-range 0x%X smaller than size 0x%X", ErrMissing, label, rng[0], r.Size)
		}
		r.Limit = rng[0]
	}

	if r.Size == 0 {
		return r, fmt.Errorf("%w: %s-size is zero", ErrMissing, label)
	}

	checks := []struct {
		prop  string
		value int64
	}{
		{label + "-start[0]", r.Start[0]},
		{label + "-start[1]", r.Start[1]},
		{label + "-size", r.Size},
		{label + "-range", r.Limit},
	}
	for _, chk := range checks {
		if align > 0 && chk.value%align != 0 {
			return r, &AlignmentError{Label: label, Property: chk.prop, Value: chk.value, Align: align}
		}
	}
	return r, nil
}

// MMCRegion is Region with hardware partitions filled in. Both copies use
// bootPart unless <label>-hwpart names one partition per copy.
func (c *Catalog) MMCRegion(label string, align int64, bootPart int) (Region, error) {
	r, err := c.Region(label, align)
	if err != nil {
		return r, err
	}
	r.HWPart = [2]int{bootPart, bootPart}
	if c.info.Has(label + "-hwpart") {
		parts, err := c.cells(label, "hwpart", 2)
		if err != nil {
			return r, err
		}
		r.HWPart = [2]int{int(parts[0]), int(parts[1])}
	}
	return r, nil
}

// DRAM returns the DRAM chip type and timing profile names.
func (c *Catalog) DRAM() (typ, timing string, err error) {
	if c.board == nil {
		return "", "", fmt.Errorf("%w: node %s", ErrMissing, BoardPath)
	}
	if typ, err = c.board.String(PropDRAMType); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMissing, err)
	}
	if timing, err = c.board.String(PropDRAMTiming); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMissing, err)
	}
	return typ, timing, nil
}

func (c *Catalog) cells(label, suffix string, want int) ([]int64, error) {
	name := label + "-" + suffix
	v, err := c.info.U32s(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissing, err)
	}
	if len(v) != want {
		return nil, fmt.Errorf("%w: %s has %d values, need %d", ErrMissing, name, len(v), want)
	}
	out := make([]int64, want)
	for i, x := range v {
		out[i] = int64(x)
	}
	return out, nil
}
