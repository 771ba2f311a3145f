package fsimage

import (
	"fmt"
	"hash"
	"hash/crc32"
)

// CRCResult is the outcome of CheckCRC32.
type CRCResult int

const (
	// CRCNone means no CRC is stamped in the header
	CRCNone CRCResult = iota

	// CRCHeaderOK means a header-only CRC matched
	CRCHeaderOK

	// CRCImageOK means a payload-only CRC matched
	CRCImageOK

	// CRCBothOK means a CRC over header and payload matched
	CRCBothOK

	// CRCBad means the stored CRC did not match
	CRCBad
)

func (r CRCResult) String() string {
	switch r {
	case CRCNone:
		return "none"
	case CRCHeaderOK:
		return "header ok"
	case CRCImageOK:
		return "image ok"
	case CRCBothOK:
		return "header+image ok"
	case CRCBad:
		return "bad"
	default:
		return fmt.Sprintf("CRCResult(%d)", int(r))
	}
}

// OK reports whether the result is not CRCBad.
func (r CRCResult) OK() bool {
	return r != CRCBad
}

// CRCHash computes a record CRC incrementally. Feed the header first via
// NewCRCHash, then the payload bytes with Write.
type CRCHash struct {
	h     hash.Hash32
	image bool
}

// NewCRCHash starts a CRC computation for the record described by h.
// It returns nil if h carries no CRC flags.
func NewCRCHash(h *Header) *CRCHash {
	if h.Flags&FlagsCRC32 == 0 {
		return nil
	}
	c := &CRCHash{h: crc32.NewIEEE(), image: h.Flags&FlagCRC32Image != 0}
	if h.Flags&FlagCRC32Header != 0 {
		c.h.Write(zeroedHeader(h))
	}
	return c
}

// Write adds payload bytes. It is a no-op for header-only CRCs.
func (c *CRCHash) Write(p []byte) (int, error) {
	if c.image {
		c.h.Write(p)
	}
	return len(p), nil
}

// Sum32 returns the CRC computed so far.
func (c *CRCHash) Sum32() uint32 {
	return c.h.Sum32()
}

// Result compares the computed CRC with the one stored in h.
func (c *CRCHash) Result(h *Header) CRCResult {
	if c == nil {
		return CRCNone
	}
	if c.Sum32() != h.CRC() {
		return CRCBad
	}
	switch h.Flags & FlagsCRC32 {
	case FlagCRC32Header:
		return CRCHeaderOK
	case FlagCRC32Image:
		return CRCImageOK
	default:
		return CRCBothOK
	}
}

// zeroedHeader encodes h with its CRC slot cleared.
func zeroedHeader(h *Header) []byte {
	b := h.Bytes()
	off := h.crcOffset()
	for i := off; i < off+4; i++ {
		b[i] = 0
	}
	return b
}

// Stamp computes the CRC over payload according to h.Flags and stores it.
// Headers without CRC flags are left untouched.
func Stamp(h *Header, payload []byte) {
	c := NewCRCHash(h)
	if c == nil {
		return
	}
	c.Write(payload)
	h.setCRC(c.Sum32())
}

// CheckHeader checks what can be trusted of a header before its payload is
// read: the magic, and the CRC when it covers the header alone.
func CheckHeader(h *Header) error {
	if !h.Valid() {
		return &ValidationError{Type: h.TypeString(), Check: CheckMagic, Err: fmt.Errorf("magic %q", h.Magic[:])}
	}
	if h.Flags&FlagsCRC32 != FlagCRC32Header {
		return nil
	}
	c := NewCRCHash(h)
	if c.Result(h) == CRCBad {
		return &ValidationError{
			Type:  h.TypeString(),
			Descr: h.Descr(),
			Check: CheckCRC,
			Err:   fmt.Errorf("stored 0x%08X, computed 0x%08X", h.CRC(), c.Sum32()),
		}
	}
	return nil
}

// CheckCRC32 checks the CRC of the record at the start of rec. The checksum
// location and coverage are derived from the header flags.
func CheckCRC32(rec []byte) CRCResult {
	h, payload, err := Record(rec)
	if err != nil {
		if h != nil && h.Flags&FlagsCRC32 == 0 {
			return CRCNone
		}
		return CRCBad
	}
	c := NewCRCHash(h)
	if c == nil {
		return CRCNone
	}
	c.Write(payload)
	return c.Result(h)
}

// ValidateRecursive checks the CRC of every record in b and of every nested
// child whose payload starts with the container magic. It stops at the first
// bad checksum. Records without a CRC pass.
func ValidateRecursive(b []byte) error {
	return Walk(b, func(e Entry) error {
		if uint64(len(e.Payload)) < uint64(e.Header.Size()) {
			return &ValidationError{
				Offset: e.Offset,
				Type:   e.Header.TypeString(),
				Descr:  e.Header.Descr(),
				Check:  CheckSize,
				Err:    ErrTruncated,
			}
		}
		c := NewCRCHash(e.Header)
		if c == nil {
			return nil
		}
		c.Write(e.Payload)
		if c.Result(e.Header) == CRCBad {
			return &ValidationError{
				Offset: e.Offset,
				Type:   e.Header.TypeString(),
				Descr:  e.Header.Descr(),
				Check:  CheckCRC,
				Err:    fmt.Errorf("stored 0x%08X, computed 0x%08X", e.Header.CRC(), c.Sum32()),
			}
		}
		return nil
	})
}
