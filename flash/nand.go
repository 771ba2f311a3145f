package flash

import (
	"bytes"
	"context"
	"fmt"

	"github.com/moffa90/go-fsimage/bootrom"
	"github.com/moffa90/go-fsimage/catalog"
)

// defaultLegacyEnvSlots are the environment locations used on NAND before
// the catalog carried an env entry, newest first.
var defaultLegacyEnvSlots = []catalog.Region{
	{Label: catalog.LabelEnv, Start: [2]int64{0x1E0000, 0x1F0000}, Size: 0x4000, Limit: 0x10000},
	{Label: catalog.LabelEnv, Start: [2]int64{0x380000, 0x3C0000}, Size: 0x4000, Limit: 0x40000},
	{Label: catalog.LabelEnv, Start: [2]int64{0x100000, 0x140000}, Size: 0x4000, Limit: 0x40000},
}

// NAND is the Backend for raw NAND flash.
type NAND struct {
	chip NANDChip
	geo  NANDGeometry
	opts options

	// one erase block, reused by every write
	scratch []byte
}

// NewNAND returns a backend on top of chip.
func NewNAND(chip NANDChip, opts ...Option) *NAND {
	n := &NAND{
		chip: chip,
		geo:  chip.Geometry(),
		opts: options{logger: nopLogger{}, legacySlots: defaultLegacyEnvSlots},
	}
	for _, opt := range opts {
		opt(&n.opts)
	}
	n.scratch = make([]byte, n.geo.BlockSize())
	return n
}

// Name implements Backend.
func (n *NAND) Name() string { return "nand" }

// BlockSize implements Backend.
func (n *NAND) BlockSize() int64 { return n.geo.BlockSize() }

// ResolveRegion implements Backend.
func (n *NAND) ResolveRegion(cat *catalog.Catalog, label string) (catalog.Region, error) {
	return cat.Region(label, n.geo.BlockSize())
}

// LegacyEnvSlots implements Backend. Slots that do not fit the chip are left out.
func (n *NAND) LegacyEnvSlots() []catalog.Region {
	var out []catalog.Region
	for _, s := range n.opts.legacySlots {
		if s.End(0) <= n.geo.Size() && s.End(1) <= n.geo.Size() {
			out = append(out, s)
		}
	}
	return out
}

// Prepare implements Backend. NAND needs no preparation.
func (n *NAND) Prepare(ctx context.Context, r catalog.Region, cp int) error {
	return ctx.Err()
}

// Invalidate implements Backend by erasing the first good block of the copy.
func (n *NAND) Invalidate(ctx context.Context, r catalog.Region, cp int) error {
	if err := checkRange(r, cp, 0, 0); err != nil {
		return err
	}
	good, err := n.mapRange(r, cp, 1)
	if err != nil {
		return err
	}
	if err := n.chip.EraseBlock(good[0]); err != nil {
		return n.ioErr("invalidate", r, cp, 0, n.retire(good[0], err))
	}
	return nil
}

// Read implements Backend.
func (n *NAND) Read(ctx context.Context, r catalog.Region, cp int, off, size int64) ([]byte, error) {
	if err := checkRange(r, cp, off, size); err != nil {
		return nil, err
	}
	good, err := n.mapRange(r, cp, off+size)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	page := make([]byte, n.geo.PageSize)
	ps := int64(n.geo.PageSize)
	for pos := off; pos < off+size; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := n.readPage(good, r, pos, page); err != nil {
			return nil, n.ioErr("read", r, cp, pos, err)
		}
		po := pos % ps
		k := min(ps-po, off+size-pos)
		out = append(out, page[po:po+k]...)
		pos += k
	}
	return out, nil
}

// Stream implements Backend. Pages are fed to sink until it is done or the
// region size is reached.
func (n *NAND) Stream(ctx context.Context, r catalog.Region, cp int, off int64, sink Sink) error {
	if err := checkRange(r, cp, off, r.Size-off); err != nil {
		return err
	}
	good, err := n.mapRange(r, cp, r.Size)
	if err != nil {
		return err
	}

	page := make([]byte, n.geo.PageSize)
	ps := int64(n.geo.PageSize)
	for pos := off; pos < r.Size && !sink.Done(); {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.readPage(good, r, pos, page); err != nil {
			return n.ioErr("read", r, cp, pos, err)
		}
		po := pos % ps
		k := min(ps-po, r.Size-pos)
		if _, err := sink.Write(page[po : po+k]); err != nil {
			return err
		}
		pos += k
	}
	return nil
}

// Write implements Backend. Every written block is erased first; a block
// that fails erase or program is marked bad and ErrBlocksChanged returned.
func (n *NAND) Write(ctx context.Context, r catalog.Region, cp int, image []byte, pass Pass) error {
	size := int64(len(image))
	if size > r.Size {
		return &IOError{Op: "write", Region: r.Label, Copy: cp, Offset: 0, Err: fmt.Errorf("%w: image of 0x%X bytes in region of 0x%X", ErrRange, size, r.Size)}
	}
	if err := checkRange(r, cp, 0, size); err != nil {
		return err
	}
	good, err := n.mapRange(r, cp, max(size, 1))
	if err != nil {
		return err
	}

	bs := n.geo.BlockSize()
	mode := n.eccMode(r)
	nblocks := int((size + bs - 1) / bs)
	for lb := 0; lb < nblocks; lb++ {
		if lb == 0 && pass == PassBody {
			continue
		}
		if lb > 0 && pass == PassHead {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := image[int64(lb)*bs : min(int64(lb+1)*bs, size)]
		if err := n.writeBlock(good[lb], chunk, mode, lb == 0); err != nil {
			return n.ioErr("write", r, cp, int64(lb)*bs, err)
		}
	}
	return nil
}

// BootControl implements Backend. It writes BCB copy number copy: the DBBT
// pages first and the FCB page last, so a torn write leaves no valid FCB.
func (n *NAND) BootControl(ctx context.Context, cp int, info BootInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var start [2]uint32
	for c := 0; c < 2; c++ {
		good, err := n.mapRange(info.SPL, c, 1)
		if err != nil {
			return err
		}
		start[c] = uint32(good[0] * n.geo.PagesPerBlock)
	}
	pages := uint32((int64(len(info.SPLImage)) + int64(n.geo.PageSize) - 1) / int64(n.geo.PageSize))

	bad, err := n.searchAreaBadBlocks()
	if err != nil {
		return err
	}

	block := bootrom.BCBBlock(cp, func(b int) bool {
		isBad, err := n.chip.IsBad(b)
		return err != nil || isBad
	})
	bcb := bootrom.BCB{
		FCB: bootrom.FCB{
			PageDataSize:            uint32(n.geo.PageSize),
			TotalPageSize:           uint32(n.geo.PageSize),
			PagesPerBlock:           uint32(n.geo.PagesPerBlock),
			ECCBlock0Type:           bootrom.ECCTypeBoot,
			ECCBlockNType:           bootrom.ECCTypeBoot,
			Firmware1StartPage:      start[0],
			Firmware2StartPage:      start[1],
			PagesInFirmware1:        pages,
			PagesInFirmware2:        pages,
			DBBTSearchAreaStartPage: uint32(block*n.geo.PagesPerBlock + bootrom.PageDBBT),
			BadBlockMarkerByte:      uint32(n.geo.PageSize),
		},
		BadBlocks: bad,
	}

	bcbPages := bcb.Pages(n.geo.PageSize)
	bcbRegion := catalog.Region{Label: "bcb", Limit: n.geo.BlockSize()}
	if err := n.chip.EraseBlock(block); err != nil {
		return n.ioErr("boot control", bcbRegion, cp, 0, n.retire(block, err))
	}
	first := block * n.geo.PagesPerBlock
	for i := len(bcbPages) - 1; i >= 0; i-- {
		if err := n.chip.WritePage(first+i, ECCBoot, bcbPages[i]); err != nil {
			return n.ioErr("boot control", bcbRegion, cp, int64(i*n.geo.PageSize), n.retire(block, err))
		}
	}
	n.opts.logger.Info("boot control block written", "copy", cp, "block", block, "bad_blocks", len(bad))
	return nil
}

// ReadBootControl reads and verifies BCB copy number copy.
func (n *NAND) ReadBootControl(ctx context.Context, cp int) (*bootrom.BCB, error) {
	block := bootrom.BCBBlock(cp, func(b int) bool {
		isBad, err := n.chip.IsBad(b)
		return err != nil || isBad
	})
	pages := make([][]byte, 0, 3)
	for i := 0; i < 3; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf := make([]byte, n.geo.PageSize)
		if err := n.chip.ReadPage(block*n.geo.PagesPerBlock+i, ECCBoot, buf); err != nil {
			return nil, err
		}
		pages = append(pages, buf)
	}
	return bootrom.ParseBCB(pages)
}

// searchAreaBadBlocks lists the bad blocks the ROM must skip.
func (n *NAND) searchAreaBadBlocks() ([]uint32, error) {
	var bad []uint32
	for b := 0; b < min(bootrom.SearchAreaBlocks, n.geo.Blocks); b++ {
		isBad, err := n.chip.IsBad(b)
		if err != nil {
			return nil, err
		}
		if isBad {
			bad = append(bad, uint32(b))
		}
	}
	return bad, nil
}

// mapRange returns the good blocks of a copy, checking that the first
// size bytes fit.
func (n *NAND) mapRange(r catalog.Region, cp int, size int64) ([]int, error) {
	bs := n.geo.BlockSize()
	first := int(r.Start[cp] / bs)
	last := int((r.End(cp) + bs - 1) / bs)
	if last > n.geo.Blocks {
		return nil, &IOError{Op: "map", Region: r.Label, Copy: cp, Offset: r.End(cp), Err: ErrRange}
	}

	var good []int
	for b := first; b < last; b++ {
		isBad, err := n.chip.IsBad(b)
		if err != nil {
			return nil, n.ioErr("map", r, cp, int64(b-first)*bs, err)
		}
		if !isBad {
			good = append(good, b)
		}
	}

	need := int((size + bs - 1) / bs)
	if need > len(good) {
		return nil, &IOError{Op: "map", Region: r.Label, Copy: cp, Offset: size,
			Err: fmt.Errorf("%w: need %d, have %d", ErrNoSpace, need, len(good))}
	}
	return good, nil
}

func (n *NAND) readPage(good []int, r catalog.Region, pos int64, buf []byte) error {
	bs := n.geo.BlockSize()
	ps := int64(n.geo.PageSize)
	page := good[pos/bs]*n.geo.PagesPerBlock + int((pos%bs)/ps)
	return n.chip.ReadPage(page, n.eccMode(r), buf)
}

// writeBlock erases block and programs chunk into it. With headLast the
// first page, which carries the record header, is programmed last.
func (n *NAND) writeBlock(block int, chunk []byte, mode ECCMode, headLast bool) error {
	copy(n.scratch, chunk)
	for i := len(chunk); i < len(n.scratch); i++ {
		n.scratch[i] = 0xFF
	}

	if err := n.chip.EraseBlock(block); err != nil {
		return n.retire(block, err)
	}

	ps := n.geo.PageSize
	order := make([]int, 0, n.geo.PagesPerBlock)
	for p := 0; p < n.geo.PagesPerBlock; p++ {
		order = append(order, p)
	}
	if headLast {
		order = append(order[1:], 0)
	}

	erased := bytes.Repeat([]byte{0xFF}, ps)
	for _, p := range order {
		data := n.scratch[p*ps : (p+1)*ps]
		if bytes.Equal(data, erased) {
			continue
		}
		if err := n.chip.WritePage(block*n.geo.PagesPerBlock+p, mode, data); err != nil {
			return n.retire(block, err)
		}
	}
	return nil
}

// retire marks a failing block bad.
func (n *NAND) retire(block int, cause error) error {
	if err := n.chip.MarkBad(block); err != nil {
		return fmt.Errorf("block %d: %v; marking bad: %w", block, cause, err)
	}
	n.opts.logger.Warn("block marked bad", "block", block, "cause", cause)
	return fmt.Errorf("%w: block %d: %v", ErrBlocksChanged, block, cause)
}

func (n *NAND) eccMode(r catalog.Region) ECCMode {
	if r.Label == catalog.LabelSPL {
		return ECCBoot
	}
	return ECCDefault
}

func (n *NAND) ioErr(op string, r catalog.Region, cp int, off int64, err error) error {
	return &IOError{Op: op, Region: r.Label, Copy: cp, Offset: off, Err: err}
}
