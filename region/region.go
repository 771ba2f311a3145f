// Package region lays sub-images out inside one storage region.
//
// A Plan collects placements; Render turns them into the byte image of the
// region. Containers are opened and closed around their children, and their
// headers are finalized bottom-up once every child offset is fixed:
//
//	p := region.NewPlan(r)
//	off, _ := region.AddBySearch(p, container, fsimage.TypeBoardCfg, "board.3", 0, region.Verbatim)
//	fw, off, _ := region.Open(p, fsimage.TypeFirmware, arch, off)
//	off, _ = region.AddBySearch(p, container, fsimage.TypeATF, "", off, region.Verbatim)
//	off, _ = region.Close(p, fw, off)
//	image, _ := region.Render(p, fsimage.FlagsCRC32)
package region

import (
	"fmt"

	"github.com/moffa90/go-fsimage/catalog"
	"github.com/moffa90/go-fsimage/fsimage"
)

// Flags select how an entry is placed.
type Flags uint8

const (
	// WithHeader writes a freshly built header in front of the payload
	WithHeader Flags = 1 << iota

	// Verbatim copies a complete record, header and padding unchanged
	Verbatim

	// Container marks an entry opened with Open
	Container

	// Raw places the source bytes as they are, even if they look like a record
	Raw
)

// Entry is one placement inside a region.
type Entry struct {
	Type  string
	Descr string

	// Src is the payload, or the whole record for Verbatim entries
	Src []byte

	// Size is the payload size
	Size fsimage.PayloadSize

	// Offset is the region-relative position of the entry
	Offset int64

	Flags Flags

	// HeaderFlags are extra flags for synthesized headers
	HeaderFlags fsimage.Flags

	closed bool
}

// Extent returns the number of region bytes the entry occupies.
func (e *Entry) Extent() int64 {
	switch {
	case e.Flags&(WithHeader|Verbatim|Container) != 0:
		return int64(padded(e.Size).WithHeader())
	default:
		return int64(e.Size)
	}
}

// End returns the offset following the entry.
func (e *Entry) End() int64 {
	return e.Offset + e.Extent()
}

// Plan is a region plus its ordered placements.
type Plan struct {
	Region  catalog.Region
	Entries []Entry
}

// NewPlan returns an empty plan for r.
func NewPlan(r catalog.Region) *Plan {
	return &Plan{Region: r}
}

// Len returns the number of region bytes used by the plan.
func (p *Plan) Len() int64 {
	var end int64
	for i := range p.Entries {
		if e := p.Entries[i].End(); e > end {
			end = e
		}
	}
	return end
}

// OverflowError is returned when a placement does not fit its region.
type OverflowError struct {
	Region string
	Type   string
	Offset int64
	Size   int64
	Limit  int64
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s at 0x%X with 0x%X bytes exceeds region %s size 0x%X",
		e.Type, e.Offset, e.Size, e.Region, e.Limit)
}

// Add places src at region offset off and returns the offset following it.
//
// If src is a record it is split into header and payload: Verbatim keeps the
// record as it is, WithHeader builds a new header from typ and descr (the
// record's own type and description when empty), and no flag strips the
// header. Raw sources are never parsed.
func Add(p *Plan, src []byte, typ, descr string, off int64, flags Flags) (int64, error) {
	e := Entry{Type: typ, Descr: descr, Src: src, Size: fsimage.PayloadSize(len(src)), Offset: off, Flags: flags}

	if flags&Raw == 0 && fsimage.IsContainerTag(src) {
		h, payload, err := fsimage.Record(src)
		if err != nil {
			return off, err
		}
		if e.Type == "" {
			e.Type = h.TypeString()
		}
		if e.Descr == "" {
			e.Descr = h.Descr()
		}
		e.Size = h.Size()
		e.HeaderFlags = h.Flags &^ (fsimage.FlagDescr | fsimage.FlagsCRC32 | fsimage.FlagSigned)
		if flags&Verbatim == 0 {
			// a new header drops the signature, so its trailer goes too
			e.Src = fsimage.Body(h, payload)
			e.Size = fsimage.PayloadSize(len(e.Src))
		} else {
			e.Src = src[:fsimage.HeaderSize+len(payload)]
		}
	} else if flags&Verbatim != 0 {
		return off, fmt.Errorf("verbatim placement of %s needs a complete record", typ)
	}

	if off < 0 || off+e.Extent() > p.Region.Size {
		return off, &OverflowError{Region: p.Region.Label, Type: e.Type, Offset: off, Size: e.Extent(), Limit: p.Region.Size}
	}

	p.Entries = append(p.Entries, e)
	return e.End(), nil
}

// AddBySearch finds a record of the given type and description anywhere in
// container and places it like Add.
func AddBySearch(p *Plan, container []byte, typ, descr string, off int64, flags Flags) (int64, error) {
	rec, err := fsimage.Find(container, typ, descr)
	if err != nil {
		return off, err
	}
	return Add(p, rec, typ, descr, off, flags)
}

// Open starts a container at off. Children are placed from the returned
// offset on; Close fixes the container size.
func Open(p *Plan, typ, descr string, off int64) (int, int64, error) {
	if off < 0 || off+fsimage.HeaderSize > p.Region.Size {
		return -1, off, &OverflowError{Region: p.Region.Label, Type: typ, Offset: off, Size: fsimage.HeaderSize, Limit: p.Region.Size}
	}
	p.Entries = append(p.Entries, Entry{Type: typ, Descr: descr, Offset: off, Flags: Container | WithHeader})
	return len(p.Entries) - 1, off + fsimage.HeaderSize, nil
}

// Close ends the container idx at end, the offset after its last child, and
// returns the offset following the padded container.
func Close(p *Plan, idx int, end int64) (int64, error) {
	if idx < 0 || idx >= len(p.Entries) || p.Entries[idx].Flags&Container == 0 {
		return end, fmt.Errorf("entry %d is not an open container", idx)
	}
	e := &p.Entries[idx]
	if e.closed {
		return end, fmt.Errorf("container %s already closed", e.Type)
	}
	payloadStart := e.Offset + fsimage.HeaderSize
	if end < payloadStart {
		return end, fmt.Errorf("container %s ends before it starts", e.Type)
	}
	e.Size = fsimage.PayloadSize(end - payloadStart)
	e.closed = true
	if e.End() > p.Region.Size {
		return end, &OverflowError{Region: p.Region.Label, Type: e.Type, Offset: e.Offset, Size: e.Extent(), Limit: p.Region.Size}
	}
	return e.End(), nil
}

// Render returns the byte image of the plan. Synthesized headers carry
// crcFlags; container headers are computed after all their children.
func Render(p *Plan, crcFlags fsimage.Flags) ([]byte, error) {
	img := make([]byte, p.Len())

	for i := range p.Entries {
		e := &p.Entries[i]
		if e.Flags&Container != 0 {
			if !e.closed {
				return nil, fmt.Errorf("container %s at 0x%X was not closed", e.Type, e.Offset)
			}
			continue
		}
		switch {
		case e.Flags&Verbatim != 0:
			copy(img[e.Offset:], e.Src)
		case e.Flags&WithHeader != 0:
			if err := putRecord(img, e, e.Src, crcFlags); err != nil {
				return nil, err
			}
		default:
			copy(img[e.Offset:], e.Src)
		}
	}

	// inner containers are opened after their parents
	for i := len(p.Entries) - 1; i >= 0; i-- {
		e := &p.Entries[i]
		if e.Flags&Container == 0 {
			continue
		}
		start := e.Offset + fsimage.HeaderSize
		if err := putRecord(img, e, img[start:start+int64(e.Size)], crcFlags); err != nil {
			return nil, err
		}
	}
	return img, nil
}

func putRecord(img []byte, e *Entry, payload []byte, crcFlags fsimage.Flags) error {
	h, err := fsimage.NewHeader(e.Type, e.Descr, e.Size, crcFlags|e.HeaderFlags)
	if err != nil {
		return fmt.Errorf("%s header: %w", e.Type, err)
	}
	fsimage.Stamp(h, payload)
	copy(img[e.Offset:], h.Bytes())
	copy(img[e.Offset+fsimage.HeaderSize:], payload)
	return nil
}

func padded(s fsimage.PayloadSize) fsimage.PayloadSize {
	return s + (fsimage.Alignment-s%fsimage.Alignment)%fsimage.Alignment
}
