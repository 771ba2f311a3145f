package sim

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/moffa90/go-fsimage/flash"
)

// MMC partition numbers.
const (
	PartUser  = 0
	PartBoot1 = 1
	PartBoot2 = 2
)

// partSuffix names the file each partition is saved to, relative to the
// user area file.
var partSuffix = [3]string{"", ".boot1", ".boot2"}

// MMC is a RAM eMMC device with a user area and two boot partitions. Every
// sector written counts as one storage change, so a power cut can tear a
// multi-sector write.
type MMC struct {
	power

	ss       int
	bootPart int
	selected int
	parts    [3][]byte

	failWrite map[int64]bool
}

var _ flash.MMCDevice = (*MMC)(nil)

// NewMMC returns a zeroed device that booted from bootPart.
func NewMMC(sectorSize int, userSize, bootSize int64, bootPart int) *MMC {
	return &MMC{
		ss:        sectorSize,
		bootPart:  bootPart,
		parts:     [3][]byte{make([]byte, userSize), make([]byte, bootSize), make([]byte, bootSize)},
		failWrite: make(map[int64]bool),
	}
}

// SectorSize implements flash.MMCDevice.
func (m *MMC) SectorSize() int { return m.ss }

// BootPart implements flash.MMCDevice.
func (m *MMC) BootPart() int { return m.bootPart }

// Select implements flash.MMCDevice.
func (m *MMC) Select(part int) error {
	if part < PartUser || part > PartBoot2 {
		return &RangeError{Op: "select partition", Index: int64(part), Max: PartBoot2}
	}
	m.selected = part
	return nil
}

// Selected returns the selected partition.
func (m *MMC) Selected() int { return m.selected }

// ReadSectors implements flash.MMCDevice.
func (m *MMC) ReadSectors(sector int64, buf []byte) error {
	off, err := m.span("read", sector, len(buf))
	if err != nil {
		return err
	}
	copy(buf, m.parts[m.selected][off:])
	return nil
}

// WriteSectors implements flash.MMCDevice.
func (m *MMC) WriteSectors(sector int64, data []byte) error {
	off, err := m.span("write", sector, len(data))
	if err != nil {
		return err
	}
	part := m.parts[m.selected]
	for i := 0; i < len(data); i += m.ss {
		if err := m.step(); err != nil {
			return err
		}
		if m.selected == PartUser && m.failWrite[sector+int64(i/m.ss)] {
			return fmt.Errorf("write sector %d: %w", sector+int64(i/m.ss), ErrInjected)
		}
		copy(part[off+int64(i):], data[i:min(i+m.ss, len(data))])
	}
	return nil
}

// FailWrite makes every later write of a user area sector fail.
func (m *MMC) FailWrite(sector int64) { m.failWrite[sector] = true }

// Partition returns the contents of a hardware partition. The slice aliases
// the device.
func (m *MMC) Partition(part int) []byte { return m.parts[part] }

func (m *MMC) span(op string, sector int64, n int) (int64, error) {
	if n%m.ss != 0 {
		return 0, fmt.Errorf("sim: %s of %d bytes is not a whole number of sectors", op, n)
	}
	size := int64(len(m.parts[m.selected]))
	off := sector * int64(m.ss)
	if sector < 0 || off+int64(n) > size {
		return 0, &RangeError{Op: op + " sector", Index: sector, Max: size/int64(m.ss) - 1}
	}
	return off, nil
}

// Save writes the user area to path and the boot partitions to path.boot1
// and path.boot2.
func (m *MMC) Save(path string) error {
	for i, suffix := range partSuffix {
		if err := os.WriteFile(path+suffix, m.parts[i], 0o644); err != nil {
			return fmt.Errorf("failed to save partition %d: %w", i, err)
		}
	}
	return nil
}

// OpenMMC loads a device saved by Save, or returns a fresh one when nothing
// is saved at path yet. Saved partitions must match the given sizes.
func OpenMMC(path string, sectorSize int, userSize, bootSize int64, bootPart int) (*MMC, error) {
	m := NewMMC(sectorSize, userSize, bootSize, bootPart)
	for i, suffix := range partSuffix {
		data, err := os.ReadFile(path + suffix)
		if i == PartUser && errors.Is(err, fs.ErrNotExist) {
			return m, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read partition %d: %w", i, err)
		}
		if len(data) != len(m.parts[i]) {
			return nil, fmt.Errorf("partition %d in %s has %d bytes, want %d", i, path+suffix, len(data), len(m.parts[i]))
		}
		copy(m.parts[i], data)
	}
	return m, nil
}

// Clone returns an independent copy of the device contents. Injected faults
// and the power state are not copied.
func (m *MMC) Clone() *MMC {
	c := NewMMC(m.ss, int64(len(m.parts[PartUser])), int64(len(m.parts[PartBoot1])), m.bootPart)
	for i := range m.parts {
		copy(c.parts[i], m.parts[i])
	}
	return c
}
