// Package testimage builds realistic containers and storage layouts for tests.
package testimage

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/moffa90/go-fsimage/catalog"
	"github.com/moffa90/go-fsimage/fsimage"
)

// Defaults used by Build.
const (
	Arch       = "fsimx8mm"
	BoardName  = "board"
	DRAMType   = "lpddr4"
	DRAMTiming = "micron-2g"
)

// NAND geometry matching NANDLayout.
const (
	NANDPageSize      = 512
	NANDPagesPerBlock = 32
	NANDBlockSize     = NANDPageSize * NANDPagesPerBlock
	NANDBlocks        = 256
)

// eMMC geometry matching EMMCLayout.
const (
	MMCSectorSize = 512
	MMCUserSize   = 8 << 20
	MMCBootSize   = 1 << 20
)

// Payloads stored in the containers built here.
var (
	SPL         = Pattern(0x51, 0x6000)
	DRAMFW      = Pattern(0xD1, 0x3000)
	Timing      = Pattern(0x71, 0x800)
	ATF         = Pattern(0xA7, 0x5000)
	TEE         = Pattern(0x7E, 0x7000)
	UBoot       = Pattern(0x0B, 0x18000)
	OtherFW     = Pattern(0x33, 0x1000)
	OtherTiming = Pattern(0x44, 0x100)
)

// Pattern returns n deterministic bytes derived from seed.
func Pattern(seed byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7) + byte(i>>8)
	}
	return b
}

// Options control Build.
type Options struct {
	// ContainerRev is the revision in the BOARD-ID record
	ContainerRev int

	// ConfigRevs are the revisions of the BOARD-CFG candidates
	ConfigRevs []int

	Layout catalog.Layout

	// CRC selects the CRC coverage stamped into every record
	CRC fsimage.Flags

	// Signer signs every BOARD-CFG, DRAM-FW, DRAM-TIMING, ATF and TEE record
	// when set
	Signer fsimage.Signer
}

// NANDLayout returns a layout that fits the NAND geometry above. Both SPL
// copies live inside the 32-block boot search area.
func NANDLayout() catalog.Layout {
	return catalog.Layout{
		DRAMType:   DRAMType,
		DRAMTiming: DRAMTiming,
		Caps:       catalog.CapCRC32 | catalog.CapBoardRev,
		Regions: []catalog.Region{
			{Label: catalog.LabelSPL, Start: [2]int64{0x10000, 0x30000}, Size: 0x10000, Limit: 0x20000},
			{Label: catalog.LabelNBoot, Start: [2]int64{0x80000, 0xC0000}, Size: 0x20000, Limit: 0x40000},
			{Label: catalog.LabelUBoot, Start: [2]int64{0x100000, 0x180000}, Size: 0x40000, Limit: 0x80000},
			{Label: catalog.LabelEnv, Start: [2]int64{0x200000, 0x210000}, Size: 0x4000, Limit: 0x10000},
		},
	}
}

// EMMCLayout returns a layout for the eMMC geometry above with every region
// in the user area.
func EMMCLayout() catalog.Layout {
	return catalog.Layout{
		DRAMType:   DRAMType,
		DRAMTiming: DRAMTiming,
		Caps:       catalog.CapCRC32 | catalog.CapBoardRev | catalog.CapUBootWithHeader,
		Regions: []catalog.Region{
			{Label: catalog.LabelSPL, Start: [2]int64{0x8400, 0x48400}, Size: 0x40000, Limit: 0x40000},
			{Label: catalog.LabelNBoot, Start: [2]int64{0x100000, 0x140000}, Size: 0x40000, Limit: 0x40000},
			{Label: catalog.LabelUBoot, Start: [2]int64{0x200000, 0x300000}, Size: 0x100000, Limit: 0x100000},
			{Label: catalog.LabelEnv, Start: [2]int64{0x400000, 0x404000}, Size: 0x4000, Limit: 0x4000},
		},
	}
}

func (o *Options) defaults() {
	if o.ContainerRev == 0 {
		o.ContainerRev = 5
	}
	if o.ConfigRevs == nil {
		o.ConfigRevs = []int{3, 7}
	}
	if o.Layout.Regions == nil {
		o.Layout = NANDLayout()
	}
}

// Tree returns the node tree of a complete container:
//
//	BOARD-ID(board.5)
//	  NBOOT(arch)
//	    BOARD-CONFIGS(arch)  BOARD-CFG(board.3) BOARD-CFG(board.7)
//	    FIRMWARE(arch)
//	      DRAM-SETTINGS
//	        DRAM-TYPE(ddr3l)   DRAM-FW DRAM-TIMING
//	        DRAM-TYPE(lpddr4)  DRAM-FW DRAM-TIMING(other) DRAM-TIMING(micron-2g)
//	      ATF(bl31) TEE(optee)
//	    SPL(arch)
func Tree(o Options) (fsimage.Node, error) {
	o.defaults()

	var cfgs []fsimage.Node
	for _, rev := range o.ConfigRevs {
		blob, err := catalog.Encode(o.Layout)
		if err != nil {
			return fsimage.Node{}, err
		}
		cfgs = append(cfgs, fsimage.Node{
			Type:   fsimage.TypeBoardCfg,
			Descr:  fmt.Sprintf("%s.%d", BoardName, rev),
			Data:   blob,
			Signer: o.Signer,
		})
	}

	firmware := fsimage.Node{
		Type:  fsimage.TypeFirmware,
		Descr: Arch,
		Children: []fsimage.Node{
			{
				Type: fsimage.TypeDRAMSettings,
				Children: []fsimage.Node{
					{
						Type:  fsimage.TypeDRAMType,
						Descr: "ddr3l",
						Children: []fsimage.Node{
							{Type: fsimage.TypeDRAMFW, Descr: "ddr3l", Data: OtherFW, Signer: o.Signer},
							{Type: fsimage.TypeDRAMTiming, Descr: "ddr3l-1g", Data: OtherTiming, Signer: o.Signer},
						},
					},
					{
						Type:  fsimage.TypeDRAMType,
						Descr: DRAMType,
						Children: []fsimage.Node{
							{Type: fsimage.TypeDRAMFW, Descr: DRAMType, Data: DRAMFW, Signer: o.Signer},
							{Type: fsimage.TypeDRAMTiming, Descr: "samsung-1g", Data: OtherTiming, Signer: o.Signer},
							{Type: fsimage.TypeDRAMTiming, Descr: DRAMTiming, Data: Timing, Signer: o.Signer},
						},
					},
				},
			},
			{Type: fsimage.TypeATF, Descr: "bl31", Data: ATF, Signer: o.Signer},
			{Type: fsimage.TypeTEE, Descr: "optee", Data: TEE, Signer: o.Signer},
		},
	}

	return fsimage.Node{
		Type:  fsimage.TypeBoardID,
		Descr: fmt.Sprintf("%s.%d", BoardName, o.ContainerRev),
		Children: []fsimage.Node{
			{
				Type:  fsimage.TypeNBoot,
				Descr: Arch,
				Children: []fsimage.Node{
					{Type: fsimage.TypeBoardConfigs, Descr: Arch, Children: cfgs},
					firmware,
					{Type: fsimage.TypeSPL, Descr: Arch, Data: SPL},
				},
			},
		},
	}, nil
}

// Build returns a complete container.
func Build(o Options) ([]byte, error) {
	tree, err := Tree(o)
	if err != nil {
		return nil, err
	}
	return fsimage.Build(tree, o.CRC)
}

// UBootRecord returns a U-BOOT record.
func UBootRecord(crc fsimage.Flags) ([]byte, error) {
	return fsimage.EncodeRecord(fsimage.TypeUBoot, Arch, UBoot, crc, nil)
}

// Running returns the board id the containers are built for.
func Running(rev int) fsimage.BoardID {
	return fsimage.BoardID{Name: BoardName, Rev: rev}
}

// HashSigner signs with a SHA-256 digest of the signed span. It exercises
// the span bookkeeping without a key.
type HashSigner struct{}

// SignatureSize implements fsimage.Signer.
func (HashSigner) SignatureSize() int { return sha256.Size }

// Sign implements fsimage.Signer.
func (HashSigner) Sign(span []byte) ([]byte, error) {
	sum := sha256.Sum256(span)
	return sum[:], nil
}

// HashVerifier accepts signatures made by HashSigner.
var HashVerifier = fsimage.VerifierFunc(func(span, sig []byte) (bool, error) {
	sum := sha256.Sum256(span)
	return bytes.Equal(sum[:], sig), nil
})

// Offset returns the header offset of the first record of the given type and
// description in container.
func Offset(container []byte, typ, descr string) (int64, error) {
	entries, err := fsimage.List(container)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.Header.Matches(typ, descr) {
			return e.Offset, nil
		}
	}
	return 0, fmt.Errorf("%s(%s) not in container", typ, descr)
}
