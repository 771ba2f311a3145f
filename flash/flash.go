// Package flash maps storage regions onto raw NAND and eMMC devices.
//
// Both backends implement Backend, the only view the save/load engine has of
// storage. Region-relative offsets become device offsets bounded by
// Start[copy]+Limit; the NAND backend skips bad blocks inside that window,
// the eMMC backend selects the hardware partition of each copy.
//
// Writes are split in two passes so a copy only becomes valid once its
// leading, header-carrying unit is written:
//
//	b.Invalidate(ctx, r, copy)                  // header unreadable
//	b.Write(ctx, r, copy, image, flash.PassBody) // everything else
//	b.Write(ctx, r, copy, image, flash.PassHead) // leading block or sector
package flash

import (
	"context"
	"io"

	"github.com/moffa90/go-fsimage/catalog"
)

// ECCMode selects the error correction applied to a NAND page.
type ECCMode int

const (
	// ECCDefault is used for ordinary payload pages
	ECCDefault ECCMode = iota

	// ECCBoot is the stronger mode the boot ROM expects for loader pages
	ECCBoot
)

func (m ECCMode) String() string {
	if m == ECCBoot {
		return "boot"
	}
	return "default"
}

// NANDGeometry describes a NAND chip.
type NANDGeometry struct {
	PageSize      int
	PagesPerBlock int
	Blocks        int
}

// BlockSize returns the erase block size in bytes.
func (g NANDGeometry) BlockSize() int64 {
	return int64(g.PageSize) * int64(g.PagesPerBlock)
}

// Size returns the chip size in bytes.
func (g NANDGeometry) Size() int64 {
	return g.BlockSize() * int64(g.Blocks)
}

// NANDChip is the raw page/block service of a NAND controller.
type NANDChip interface {
	Geometry() NANDGeometry

	// ReadPage reads one page into buf
	ReadPage(page int, mode ECCMode, buf []byte) error

	// WritePage programs one erased page
	WritePage(page int, mode ECCMode, data []byte) error

	EraseBlock(block int) error
	IsBad(block int) (bool, error)
	MarkBad(block int) error
}

// MMCDevice is the raw sector service of an eMMC controller.
type MMCDevice interface {
	SectorSize() int

	// BootPart is the hardware partition the board booted from, 0 for the
	// user area
	BootPart() int

	// Select makes part the target of later sector operations
	Select(part int) error

	ReadSectors(sector int64, buf []byte) error
	WriteSectors(sector int64, data []byte) error
}

// Pass selects which part of a region image Write stores.
type Pass int

const (
	// PassBody writes everything except the leading unit
	PassBody Pass = iota

	// PassHead writes only the leading unit
	PassHead

	// PassAll writes both in one go
	PassAll
)

func (p Pass) String() string {
	switch p {
	case PassBody:
		return "body"
	case PassHead:
		return "head"
	default:
		return "all"
	}
}

// Sink receives streamed region data. Streaming stops once Done is true.
type Sink interface {
	io.Writer
	Done() bool
}

// BootInfo is what boot control structures are generated from.
type BootInfo struct {
	Caps catalog.Caps

	// SPL is the loader region and SPLImage the bytes stored in it
	SPL      catalog.Region
	SPLImage []byte
}

// Backend is the storage contract of the save/load engine.
type Backend interface {
	// Name is "nand" or "mmc"
	Name() string

	// BlockSize is the alignment catalog values must honour
	BlockSize() int64

	// ResolveRegion reads a region from the catalog
	ResolveRegion(cat *catalog.Catalog, label string) (catalog.Region, error)

	// LegacyEnvSlots are the fixed environment locations of old images
	LegacyEnvSlots() []catalog.Region

	// Prepare readies the device for access to a region copy
	Prepare(ctx context.Context, r catalog.Region, cp int) error

	// Invalidate makes the stored header of a copy unrecognizable
	Invalidate(ctx context.Context, r catalog.Region, cp int) error

	Read(ctx context.Context, r catalog.Region, cp int, off, size int64) ([]byte, error)
	Stream(ctx context.Context, r catalog.Region, cp int, off int64, sink Sink) error

	// Write stores image at the start of a copy
	Write(ctx context.Context, r catalog.Region, cp int, image []byte, pass Pass) error

	// BootControl writes the ROM structures for a copy
	BootControl(ctx context.Context, cp int, info BootInfo) error
}

// Logger is the logging interface of the backends. It is satisfied by
// engine.Logger.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{}) {}

// Option configures a backend.
type Option func(*options)

type options struct {
	logger      Logger
	legacySlots []catalog.Region
}

// WithLogger sets the backend logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLegacyEnvSlots replaces the built-in legacy environment slots.
func WithLegacyEnvSlots(slots ...catalog.Region) Option {
	return func(o *options) {
		o.legacySlots = slots
	}
}

func checkRange(r catalog.Region, cp int, off, size int64) error {
	if cp < 0 || cp > 1 {
		return &IOError{Op: "access", Region: r.Label, Copy: cp, Offset: off, Err: ErrRange}
	}
	if off < 0 || size < 0 || off+size > r.Limit {
		return &IOError{Op: "access", Region: r.Label, Copy: cp, Offset: off, Err: ErrRange}
	}
	return nil
}
