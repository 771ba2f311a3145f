package fsimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Record layout constants.
const (
	// HeaderSize is the size of a header record in bytes
	HeaderSize = 64

	// Magic identifies a container record. The first two bytes are the tag,
	// the last two the payload kind.
	Magic = "FSLX"

	// Version is the header version written by this package (1.0)
	Version = 0x10

	// TypeSize is the width of the type field
	TypeSize = 16

	// ParamSize is the width of the description/parameter union
	ParamSize = 32

	// Alignment is the granularity payload+pad is rounded to
	Alignment = 16
)

const (
	offMagic    = 0
	offSizeLow  = 4
	offSizeHigh = 8
	offFlags    = 12
	offPadsize  = 14
	offVersion  = 15
	offType     = 16
	offParam    = 32

	// CRC and signature-length slots inside the param union
	crcSlot       = offParam + 28
	crcSlotSigned = offParam + 24
	sigLenSlot    = offParam + 28
)

// Flags is the header flag bit set.
type Flags uint16

const (
	// FlagDescr marks the param field as a NUL-terminated description
	FlagDescr Flags = 0x8000

	// FlagCRC32Image means the stored CRC32 covers the payload
	FlagCRC32Image Flags = 0x4000

	// FlagCRC32Header means the stored CRC32 covers the header
	FlagCRC32Header Flags = 0x2000

	// FlagSigned means the payload ends in a signature trailer
	FlagSigned Flags = 0x1000

	// FlagsCRC32 is the combination of both CRC coverage bits
	FlagsCRC32 = FlagCRC32Image | FlagCRC32Header
)

// Well-known record types.
const (
	TypeBoardID      = "BOARD-ID"
	TypeNBoot        = "NBOOT"
	TypeBoardConfigs = "BOARD-CONFIGS"
	TypeBoardCfg     = "BOARD-CFG"
	TypeFirmware     = "FIRMWARE"
	TypeDRAMSettings = "DRAM-SETTINGS"
	TypeDRAMType     = "DRAM-TYPE"
	TypeDRAMFW       = "DRAM-FW"
	TypeDRAMTiming   = "DRAM-TIMING"
	TypeATF          = "ATF"
	TypeTEE          = "TEE"
	TypeSPL          = "SPL"
	TypeUBoot        = "U-BOOT"
)

// PayloadSize is a payload length that never includes the header.
type PayloadSize uint64

// RecordSize is a length that always includes the 64-byte header.
type RecordSize uint64

// WithHeader returns the size of the payload plus its header.
func (s PayloadSize) WithHeader() RecordSize {
	return RecordSize(s) + HeaderSize
}

// Payload returns the size without the header.
func (s RecordSize) Payload() PayloadSize {
	if s < HeaderSize {
		return 0
	}
	return PayloadSize(s - HeaderSize)
}

// Header is a decoded 64-byte header record.
type Header struct {
	Magic    [4]byte
	SizeLow  uint32
	SizeHigh uint32
	Flags    Flags
	Padsize  uint8
	Version  uint8
	Type     [TypeSize]byte
	Param    [ParamSize]byte
}

// IsContainerTag reports whether b starts with the container magic.
// A false result is not an error; the bytes are raw trailing data.
func IsContainerTag(b []byte) bool {
	return len(b) >= len(Magic) && string(b[:len(Magic)]) == Magic
}

// ParseHeader decodes a header from the first 64 bytes of b.
// It does not check the magic; use IsContainerTag for that.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("header too short: got %d bytes, need %d", len(b), HeaderSize)
	}

	h := &Header{
		SizeLow:  binary.LittleEndian.Uint32(b[offSizeLow:]),
		SizeHigh: binary.LittleEndian.Uint32(b[offSizeHigh:]),
		Flags:    Flags(binary.LittleEndian.Uint16(b[offFlags:])),
		Padsize:  b[offPadsize],
		Version:  b[offVersion],
	}
	copy(h.Magic[:], b[offMagic:])
	copy(h.Type[:], b[offType:offType+TypeSize])
	copy(h.Param[:], b[offParam:offParam+ParamSize])

	return h, nil
}

// NewHeader returns a header with type, description, size and flags set.
func NewHeader(typ, descr string, size PayloadSize, flags Flags) (*Header, error) {
	h := &Header{}
	if err := h.Set(typ, descr, size, flags); err != nil {
		return nil, err
	}
	return h, nil
}

// Bytes encodes the header into its 64-byte wire form.
func (h *Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	h.put(b)
	return b
}

func (h *Header) put(b []byte) {
	copy(b[offMagic:], h.Magic[:])
	binary.LittleEndian.PutUint32(b[offSizeLow:], h.SizeLow)
	binary.LittleEndian.PutUint32(b[offSizeHigh:], h.SizeHigh)
	binary.LittleEndian.PutUint16(b[offFlags:], uint16(h.Flags))
	b[offPadsize] = h.Padsize
	b[offVersion] = h.Version
	copy(b[offType:], h.Type[:])
	copy(b[offParam:], h.Param[:])
}

// Valid reports whether the header carries the container magic.
func (h *Header) Valid() bool {
	return IsContainerTag(h.Magic[:])
}

// Size returns the logical payload size. Only the low half is interpreted.
func (h *Header) Size() PayloadSize {
	return PayloadSize(h.SizeLow)
}

// Padded returns the payload size including the zero padding.
func (h *Header) Padded() PayloadSize {
	return h.Size() + PayloadSize(h.Padsize)
}

// Extent returns the number of bytes the whole record occupies.
func (h *Header) Extent() RecordSize {
	return h.Padded().WithHeader()
}

// PayloadSizeOf returns the payload size of h, with or without the header.
// Prefer Size and Extent in new code; this form exists for callers that
// decide at run time.
func PayloadSizeOf(h *Header, withHeader bool) uint64 {
	if withHeader {
		return uint64(h.Size().WithHeader())
	}
	return uint64(h.Size())
}

// TypeString returns the type with trailing NULs removed.
func (h *Header) TypeString() string {
	return cstring(h.Type[:])
}

// Descr returns the description, or "" if FlagDescr is not set.
func (h *Header) Descr() string {
	if h.Flags&FlagDescr == 0 {
		return ""
	}
	return cstring(h.Param[:h.descrLimit()])
}

// Kind returns the two-byte payload kind suffix of the magic.
func (h *Header) Kind() string {
	return string(h.Magic[2:])
}

// Matches reports whether the header has the given type and, if descr is
// given and the header carries a description, the given description.
// Types are compared as fixed 16-byte ASCII fields.
func (h *Header) Matches(typ string, descr ...string) bool {
	var want [TypeSize]byte
	copy(want[:], typ)
	if len(typ) > TypeSize || h.Type != want {
		return false
	}
	if len(descr) == 0 || descr[0] == "" || h.Flags&FlagDescr == 0 {
		return true
	}
	return h.Descr() == descr[0]
}

// Set fills type, description, size and flags and recomputes the padding.
// The magic and version are always rewritten. Any CRC is cleared; call Stamp
// once the payload is known.
func (h *Header) Set(typ, descr string, size PayloadSize, flags Flags) error {
	if len(typ) > TypeSize {
		return fmt.Errorf("type %q longer than %d bytes", typ, TypeSize)
	}

	copy(h.Magic[:], Magic)
	h.Version = Version
	h.Type = [TypeSize]byte{}
	copy(h.Type[:], typ)
	h.Param = [ParamSize]byte{}
	h.Flags = flags &^ FlagDescr

	if descr != "" {
		h.Flags |= FlagDescr
		// room for the terminating NUL
		if limit := h.descrLimit(); len(descr) >= limit {
			return fmt.Errorf("description %q does not fit in %d bytes", descr, limit-1)
		}
		copy(h.Param[:], descr)
	}

	h.SizeLow = uint32(size)
	h.SizeHigh = uint32(uint64(size) >> 32)
	h.Padsize = uint8((Alignment - size%Alignment) % Alignment)
	return nil
}

// SignatureSize returns the length of the signature trailer of a signed record.
func (h *Header) SignatureSize() PayloadSize {
	if h.Flags&FlagSigned == 0 {
		return 0
	}
	return PayloadSize(binary.LittleEndian.Uint32(h.Param[sigLenSlot-offParam:]))
}

// SetSignatureSize records the length of the signature trailer.
func (h *Header) SetSignatureSize(n PayloadSize) {
	binary.LittleEndian.PutUint32(h.Param[sigLenSlot-offParam:], uint32(n))
}

// CRC returns the stored CRC32 value.
func (h *Header) CRC() uint32 {
	return binary.LittleEndian.Uint32(h.Param[h.crcOffset()-offParam:])
}

func (h *Header) setCRC(v uint32) {
	binary.LittleEndian.PutUint32(h.Param[h.crcOffset()-offParam:], v)
}

// crcOffset returns the absolute header offset of the CRC slot.
func (h *Header) crcOffset() int {
	if h.Flags&FlagSigned != 0 {
		return crcSlotSigned
	}
	return crcSlot
}

// descrLimit is the number of param bytes usable by the description.
func (h *Header) descrLimit() int {
	limit := ParamSize
	if h.Flags&FlagSigned != 0 {
		limit = sigLenSlot - offParam
	}
	if h.Flags&FlagsCRC32 != 0 {
		limit = h.crcOffset() - offParam
	}
	return limit
}

func (h *Header) String() string {
	return fmt.Sprintf("%s(%s) size=%d pad=%d flags=0x%04X",
		h.TypeString(), h.Descr(), h.Size(), h.Padsize, uint16(h.Flags))
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), " ")
}
