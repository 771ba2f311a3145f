package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/moffa90/go-fsimage/flash"
)

// Page states besides a programmed ECC mode.
const (
	pageErased  = -1
	pageUnknown = -2
)

// NAND is a RAM NAND chip. Pages start erased; a page can be programmed
// once per erase and must be read back with the ECC mode it was written
// with.
type NAND struct {
	power

	geo   flash.NANDGeometry
	data  []byte
	state []int8
	bad   map[int]bool

	failErase   map[int]bool
	failProgram map[int]bool
}

var _ flash.NANDChip = (*NAND)(nil)

// NewNAND returns an erased chip with the given factory bad blocks.
func NewNAND(geo flash.NANDGeometry, bad ...int) *NAND {
	n := &NAND{
		geo:         geo,
		data:        bytes.Repeat([]byte{0xFF}, int(geo.Size())),
		state:       make([]int8, geo.Blocks*geo.PagesPerBlock),
		bad:         make(map[int]bool),
		failErase:   make(map[int]bool),
		failProgram: make(map[int]bool),
	}
	for i := range n.state {
		n.state[i] = pageErased
	}
	for _, b := range bad {
		n.bad[b] = true
	}
	return n
}

// Geometry implements flash.NANDChip.
func (n *NAND) Geometry() flash.NANDGeometry { return n.geo }

// ReadPage implements flash.NANDChip.
func (n *NAND) ReadPage(page int, mode flash.ECCMode, buf []byte) error {
	if err := n.checkPage("read page", page); err != nil {
		return err
	}
	if st := n.state[page]; st >= 0 && flash.ECCMode(st) != mode {
		return fmt.Errorf("page %d written with %s ECC, read with %s: %w", page, flash.ECCMode(st), mode, ErrECC)
	}
	copy(buf, n.page(page))
	return nil
}

// WritePage implements flash.NANDChip.
func (n *NAND) WritePage(page int, mode flash.ECCMode, data []byte) error {
	if err := n.checkPage("write page", page); err != nil {
		return err
	}
	if err := n.step(); err != nil {
		return err
	}
	if n.failProgram[page/n.geo.PagesPerBlock] {
		return fmt.Errorf("program page %d: %w", page, ErrInjected)
	}
	if n.state[page] != pageErased {
		return fmt.Errorf("page %d programmed twice without erase", page)
	}
	if len(data) > n.geo.PageSize {
		return fmt.Errorf("page data of %d bytes exceeds page size %d", len(data), n.geo.PageSize)
	}
	copy(n.page(page), data)
	n.state[page] = int8(mode)
	return nil
}

// EraseBlock implements flash.NANDChip.
func (n *NAND) EraseBlock(block int) error {
	if err := n.checkBlock("erase", block); err != nil {
		return err
	}
	if err := n.step(); err != nil {
		return err
	}
	if n.failErase[block] {
		return fmt.Errorf("erase block %d: %w", block, ErrInjected)
	}
	first := block * n.geo.PagesPerBlock
	for p := first; p < first+n.geo.PagesPerBlock; p++ {
		n.state[p] = pageErased
	}
	bs := int(n.geo.BlockSize())
	for i := block * bs; i < (block+1)*bs; i++ {
		n.data[i] = 0xFF
	}
	return nil
}

// IsBad implements flash.NANDChip.
func (n *NAND) IsBad(block int) (bool, error) {
	if err := n.checkBlock("bad block query", block); err != nil {
		return false, err
	}
	return n.bad[block], nil
}

// MarkBad implements flash.NANDChip.
func (n *NAND) MarkBad(block int) error {
	if err := n.checkBlock("mark bad", block); err != nil {
		return err
	}
	if err := n.step(); err != nil {
		return err
	}
	n.bad[block] = true
	return nil
}

// FailErase makes every later erase of block fail.
func (n *NAND) FailErase(block int) { n.failErase[block] = true }

// FailProgram makes every later page program inside block fail.
func (n *NAND) FailProgram(block int) { n.failProgram[block] = true }

// BadBlocks returns the bad blocks in ascending order.
func (n *NAND) BadBlocks() []int {
	out := make([]int, 0, len(n.bad))
	for b := range n.bad {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}

// Bytes returns the raw chip contents. The slice aliases the chip.
func (n *NAND) Bytes() []byte { return n.data }

func (n *NAND) page(page int) []byte {
	ps := n.geo.PageSize
	return n.data[page*ps : (page+1)*ps]
}

func (n *NAND) checkPage(op string, page int) error {
	if page < 0 || page >= len(n.state) {
		return &RangeError{Op: op, Index: int64(page), Max: int64(len(n.state) - 1)}
	}
	return nil
}

func (n *NAND) checkBlock(op string, block int) error {
	if block < 0 || block >= n.geo.Blocks {
		return &RangeError{Op: op, Index: int64(block), Max: int64(n.geo.Blocks - 1)}
	}
	return nil
}

// bbtFile is the sidecar stored next to a NAND dump.
type bbtFile struct {
	PageSize      int   `yaml:"page_size"`
	PagesPerBlock int   `yaml:"pages_per_block"`
	Blocks        int   `yaml:"blocks"`
	BadBlocks     []int `yaml:"bad_blocks"`
}

// Save writes the chip contents to path and its geometry and bad block
// table to path.bbt.
func (n *NAND) Save(path string) error {
	bbt, err := yaml.Marshal(&bbtFile{
		PageSize:      n.geo.PageSize,
		PagesPerBlock: n.geo.PagesPerBlock,
		Blocks:        n.geo.Blocks,
		BadBlocks:     n.BadBlocks(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode bad block table: %w", err)
	}
	if err := os.WriteFile(path, n.data, 0o644); err != nil {
		return fmt.Errorf("failed to save NAND image: %w", err)
	}
	if err := os.WriteFile(path+".bbt", bbt, 0o644); err != nil {
		return fmt.Errorf("failed to save bad block table: %w", err)
	}
	return nil
}

// LoadNAND reads a chip saved by Save. Programmed pages of a loaded chip
// can be read with any ECC mode.
func LoadNAND(path string) (*NAND, error) {
	raw, err := os.ReadFile(path + ".bbt")
	if err != nil {
		return nil, fmt.Errorf("failed to read bad block table: %w", err)
	}
	var bbt bbtFile
	if err := yaml.Unmarshal(raw, &bbt); err != nil {
		return nil, fmt.Errorf("failed to parse bad block table: %w", err)
	}
	geo := flash.NANDGeometry{PageSize: bbt.PageSize, PagesPerBlock: bbt.PagesPerBlock, Blocks: bbt.Blocks}
	if geo.PageSize <= 0 || geo.PagesPerBlock <= 0 || geo.Blocks <= 0 {
		return nil, fmt.Errorf("invalid geometry in %s.bbt: %+v", path, geo)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read NAND image: %w", err)
	}
	if int64(len(data)) != geo.Size() {
		return nil, fmt.Errorf("NAND image %s has %d bytes, geometry needs %d", path, len(data), geo.Size())
	}

	n := NewNAND(geo, bbt.BadBlocks...)
	copy(n.data, data)
	erased := bytes.Repeat([]byte{0xFF}, geo.PageSize)
	for p := range n.state {
		if !bytes.Equal(n.page(p), erased) {
			n.state[p] = pageUnknown
		}
	}
	return n, nil
}

// OpenNAND loads the chip saved at path, or returns a fresh chip with the
// given geometry and bad blocks when nothing is saved there yet.
func OpenNAND(path string, geo flash.NANDGeometry, bad ...int) (*NAND, error) {
	n, err := LoadNAND(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewNAND(geo, bad...), nil
	}
	if err != nil {
		return nil, err
	}
	if n.geo != geo {
		return nil, fmt.Errorf("saved NAND geometry %+v differs from %+v", n.geo, geo)
	}
	return n, nil
}

// Clone returns an independent copy of the chip contents and bad blocks.
// Injected faults and the power state are not copied.
func (n *NAND) Clone() *NAND {
	c := NewNAND(n.geo, n.BadBlocks()...)
	copy(c.data, n.data)
	copy(c.state, n.state)
	return c
}
