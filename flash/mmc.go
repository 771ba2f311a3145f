package flash

import (
	"context"
	"fmt"

	"github.com/moffa90/go-fsimage/bootrom"
	"github.com/moffa90/go-fsimage/catalog"
)

// userArea is the hardware partition number of the eMMC user area.
const userArea = 0

// streamSectors is the number of sectors read per Stream step.
const streamSectors = 16

// MMC is the Backend for eMMC devices.
type MMC struct {
	dev  MMCDevice
	ss   int64
	opts options

	// one sector, for writes that end inside a sector
	scratch []byte
}

// NewMMC returns a backend on top of dev.
func NewMMC(dev MMCDevice, opts ...Option) *MMC {
	m := &MMC{
		dev:  dev,
		ss:   int64(dev.SectorSize()),
		opts: options{logger: nopLogger{}},
	}
	for _, opt := range opts {
		opt(&m.opts)
	}
	m.scratch = make([]byte, m.ss)
	return m
}

// Name implements Backend.
func (m *MMC) Name() string { return "mmc" }

// BlockSize implements Backend.
func (m *MMC) BlockSize() int64 { return m.ss }

// ResolveRegion implements Backend. Copies default to the boot partition.
func (m *MMC) ResolveRegion(cat *catalog.Catalog, label string) (catalog.Region, error) {
	return cat.MMCRegion(label, m.ss, m.dev.BootPart())
}

// LegacyEnvSlots implements Backend. eMMC images always had a catalog entry.
func (m *MMC) LegacyEnvSlots() []catalog.Region {
	return m.opts.legacySlots
}

// Prepare implements Backend by selecting the hardware partition of the copy.
func (m *MMC) Prepare(ctx context.Context, r catalog.Region, cp int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.dev.Select(r.HWPart[cp]); err != nil {
		return &IOError{Op: "select", Region: r.Label, Copy: cp, Err: err}
	}
	return nil
}

// Invalidate implements Backend by zeroing the first sector of the copy.
func (m *MMC) Invalidate(ctx context.Context, r catalog.Region, cp int) error {
	if err := m.Prepare(ctx, r, cp); err != nil {
		return err
	}
	zero := make([]byte, m.ss)
	if err := m.dev.WriteSectors(r.Start[cp]/m.ss, zero); err != nil {
		return &IOError{Op: "invalidate", Region: r.Label, Copy: cp, Err: err}
	}
	return nil
}

// Read implements Backend.
func (m *MMC) Read(ctx context.Context, r catalog.Region, cp int, off, size int64) ([]byte, error) {
	if err := checkRange(r, cp, off, size); err != nil {
		return nil, err
	}
	if err := m.Prepare(ctx, r, cp); err != nil {
		return nil, err
	}
	out, err := m.read(r.Start[cp]+off, size)
	if err != nil {
		return nil, &IOError{Op: "read", Region: r.Label, Copy: cp, Offset: off, Err: err}
	}
	return out, nil
}

// Stream implements Backend.
func (m *MMC) Stream(ctx context.Context, r catalog.Region, cp int, off int64, sink Sink) error {
	if err := checkRange(r, cp, off, r.Size-off); err != nil {
		return err
	}
	if err := m.Prepare(ctx, r, cp); err != nil {
		return err
	}
	step := m.ss * streamSectors
	for pos := off; pos < r.Size && !sink.Done(); {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := min(step-pos%step, r.Size-pos)
		buf, err := m.read(r.Start[cp]+pos, k)
		if err != nil {
			return &IOError{Op: "read", Region: r.Label, Copy: cp, Offset: pos, Err: err}
		}
		if _, err := sink.Write(buf); err != nil {
			return err
		}
		pos += k
	}
	return nil
}

// Write implements Backend. The leading sector is the unit PassHead writes.
func (m *MMC) Write(ctx context.Context, r catalog.Region, cp int, image []byte, pass Pass) error {
	size := int64(len(image))
	if size > r.Size {
		return &IOError{Op: "write", Region: r.Label, Copy: cp, Err: fmt.Errorf("%w: image of 0x%X bytes in region of 0x%X", ErrRange, size, r.Size)}
	}
	if err := m.Prepare(ctx, r, cp); err != nil {
		return err
	}

	start, end := int64(0), size
	switch pass {
	case PassBody:
		start = min(m.ss, size)
	case PassHead:
		end = min(m.ss, size)
	}
	if start >= end {
		return nil
	}
	if err := m.write(r.Start[cp]+start, image[start:end]); err != nil {
		return &IOError{Op: "write", Region: r.Label, Copy: cp, Offset: start, Err: err}
	}
	return nil
}

// BootControl implements Backend.
//
// When copy 1 of the loader lives in the user area the secondary image
// table is written so the ROM can find it. With CapSPLBootPart a user-area
// loader copy is also duplicated to boot partition copy+1.
func (m *MMC) BootControl(ctx context.Context, cp int, info BootInfo) error {
	spl := info.SPL
	if spl.HWPart[cp] != userArea {
		return ctx.Err()
	}

	if cp == 1 {
		sit, err := bootrom.NewSecondaryImageTable(spl.Start[1], int64(len(info.SPLImage)), int(m.ss))
		if err != nil {
			return &IOError{Op: "boot control", Region: spl.Label, Copy: cp, Err: err}
		}
		if err := m.dev.Select(userArea); err != nil {
			return &IOError{Op: "select", Region: spl.Label, Copy: cp, Err: err}
		}
		if err := m.write(bootrom.SecondaryImageTableOffset, sit.MarshalBinary()); err != nil {
			return &IOError{Op: "boot control", Region: spl.Label, Copy: cp, Offset: bootrom.SecondaryImageTableOffset, Err: err}
		}
		m.opts.logger.Info("secondary image table written", "first_sector", sit.FirstSectorNumber)
	}

	if info.Caps&catalog.CapSPLBootPart != 0 && len(info.SPLImage) > 0 {
		part := cp + 1
		if err := m.dev.Select(part); err != nil {
			return &IOError{Op: "select", Region: spl.Label, Copy: cp, Err: err}
		}
		if err := m.write(0, info.SPLImage); err != nil {
			return &IOError{Op: "boot control", Region: spl.Label, Copy: cp, Err: err}
		}
		m.opts.logger.Info("loader duplicated to boot partition", "partition", part)
	}
	return nil
}

// read reads size bytes at device offset off of the selected partition.
func (m *MMC) read(off, size int64) ([]byte, error) {
	first := off / m.ss
	last := (off + size + m.ss - 1) / m.ss
	buf := make([]byte, (last-first)*m.ss)
	if len(buf) > 0 {
		if err := m.dev.ReadSectors(first, buf); err != nil {
			return nil, err
		}
	}
	head := off - first*m.ss
	return buf[head : head+size], nil
}

// write writes data at device offset off, merging partial sectors through
// the scratch sector.
func (m *MMC) write(off int64, data []byte) error {
	for len(data) > 0 {
		sector := off / m.ss
		head := off % m.ss
		if head == 0 && int64(len(data)) >= m.ss {
			whole := int64(len(data)) / m.ss * m.ss
			if err := m.dev.WriteSectors(sector, data[:whole]); err != nil {
				return err
			}
			off += whole
			data = data[whole:]
			continue
		}

		if err := m.dev.ReadSectors(sector, m.scratch); err != nil {
			return err
		}
		k := copy(m.scratch[head:], data)
		if err := m.dev.WriteSectors(sector, m.scratch); err != nil {
			return err
		}
		off += int64(k)
		data = data[k:]
	}
	return nil
}
