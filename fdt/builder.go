// Package fdt reads and writes Flattened Device Tree blobs, the format used
// for BOARD-CFG payloads.
package fdt

import (
	"encoding/binary"
)

const (
	fdtMagic         = 0xd00dfeed
	fdtVersion       = 17
	fdtLastCompVer   = 16
	fdtHeaderSize    = 40
	fdtMemRsvmapSize = 16

	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenNop       = 0x00000004
	tokenEnd       = 0x00000009
)

// Builder constructs a Flattened Device Tree blob token by token.
type Builder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
}

// NewBuilder creates a new FDT builder.
func NewBuilder() *Builder {
	return &Builder{
		stringOff: make(map[string]uint32),
	}
}

// BeginNode starts a new node with the given name.
func (b *Builder) BeginNode(name string) {
	b.appendU32(tokenBeginNode)
	b.appendString(name)
}

// EndNode ends the current node.
func (b *Builder) EndNode() {
	b.appendU32(tokenEndNode)
}

// AddPropertyEmpty adds a flag property without a value.
func (b *Builder) AddPropertyEmpty(name string) {
	b.AddPropertyBytes(name, nil)
}

// AddPropertyString adds a NUL-terminated string property.
func (b *Builder) AddPropertyString(name, value string) {
	b.AddPropertyBytes(name, append([]byte(value), 0))
}

// AddPropertyU32 adds a single 32-bit cell.
func (b *Builder) AddPropertyU32(name string, value uint32) {
	b.AddPropertyU32Array(name, []uint32{value})
}

// AddPropertyU32Array adds a list of 32-bit cells.
func (b *Builder) AddPropertyU32Array(name string, values []uint32) {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(data[4*i:], v)
	}
	b.AddPropertyBytes(name, data)
}

// AddPropertyBytes adds a raw bytes property.
func (b *Builder) AddPropertyBytes(name string, data []byte) {
	b.appendU32(tokenProp)
	b.appendU32(uint32(len(data)))
	b.appendU32(b.addString(name))
	b.appendBytes(data)
}

// Build generates the final FDT blob.
func (b *Builder) Build() []byte {
	b.appendU32(tokenEnd)

	structOff := uint32(fdtHeaderSize + fdtMemRsvmapSize)
	structSize := uint32(len(b.structure))
	stringsOff := structOff + structSize
	stringsSize := uint32(len(b.strings))
	totalSize := stringsOff + stringsSize

	blob := make([]byte, totalSize)
	binary.BigEndian.PutUint32(blob[0:], fdtMagic)
	binary.BigEndian.PutUint32(blob[4:], totalSize)
	binary.BigEndian.PutUint32(blob[8:], structOff)
	binary.BigEndian.PutUint32(blob[12:], stringsOff)
	binary.BigEndian.PutUint32(blob[16:], fdtHeaderSize)
	binary.BigEndian.PutUint32(blob[20:], fdtVersion)
	binary.BigEndian.PutUint32(blob[24:], fdtLastCompVer)
	binary.BigEndian.PutUint32(blob[28:], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(blob[32:], stringsSize)
	binary.BigEndian.PutUint32(blob[36:], structSize)

	// memory reservation map stays zero
	copy(blob[structOff:], b.structure)
	copy(blob[stringsOff:], b.strings)

	return blob
}

func (b *Builder) appendU32(v uint32) {
	b.structure = binary.BigEndian.AppendUint32(b.structure, v)
}

func (b *Builder) appendString(s string) {
	b.structure = append(b.structure, s...)
	b.structure = append(b.structure, 0)
	b.pad()
}

func (b *Builder) appendBytes(data []byte) {
	b.structure = append(b.structure, data...)
	b.pad()
}

func (b *Builder) pad() {
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *Builder) addString(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	return off
}
