package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Property describes a single device-tree property.
// Exactly one of the typed fields should be populated for a given property.
type Property struct {
	Strings []string
	U32     []uint32
	Bytes   []byte
	Flag    bool
}

// Node is a device-tree node.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []*Node

	// raw holds property values as read from a blob
	raw map[string][]byte
}

// Build serializes the node tree into an FDT blob. Properties are emitted in
// name order so equal trees produce equal blobs.
func Build(root *Node) ([]byte, error) {
	b := NewBuilder()
	if err := emit(b, root); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

func emit(b *Builder, n *Node) error {
	b.BeginNode(n.Name)

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := n.Properties[name]
		switch {
		case len(p.Strings) > 0:
			var data []byte
			for _, s := range p.Strings {
				data = append(append(data, s...), 0)
			}
			b.AddPropertyBytes(name, data)
		case len(p.U32) > 0:
			b.AddPropertyU32Array(name, p.U32)
		case len(p.Bytes) > 0:
			b.AddPropertyBytes(name, p.Bytes)
		case p.Flag:
			b.AddPropertyEmpty(name)
		default:
			return fmt.Errorf("fdt property %q has no value", name)
		}
	}

	for _, child := range n.Children {
		if err := emit(b, child); err != nil {
			return err
		}
	}

	b.EndNode()
	return nil
}

// Child returns the direct child with the given name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Has reports whether the property exists.
func (n *Node) Has(name string) bool {
	_, ok := n.value(name)
	return ok
}

// Raw returns the raw property value.
func (n *Node) Raw(name string) ([]byte, bool) {
	return n.value(name)
}

// U32s returns the property as a list of big-endian 32-bit cells.
func (n *Node) U32s(name string) ([]uint32, error) {
	v, ok := n.value(name)
	if !ok {
		return nil, fmt.Errorf("property %q: %w", name, ErrNoProperty)
	}
	if len(v)%4 != 0 {
		return nil, fmt.Errorf("property %q: length %d is not a multiple of 4", name, len(v))
	}
	out := make([]uint32, len(v)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(v[4*i:])
	}
	return out, nil
}

// String returns the first string of a string property.
func (n *Node) String(name string) (string, error) {
	v, ok := n.value(name)
	if !ok {
		return "", fmt.Errorf("property %q: %w", name, ErrNoProperty)
	}
	if i := bytes.IndexByte(v, 0); i >= 0 {
		v = v[:i]
	}
	return string(v), nil
}

func (n *Node) value(name string) ([]byte, bool) {
	if v, ok := n.raw[name]; ok {
		return v, true
	}
	p, ok := n.Properties[name]
	if !ok {
		return nil, false
	}
	switch {
	case len(p.Strings) > 0:
		return []byte(strings.Join(p.Strings, "\x00") + "\x00"), true
	case len(p.U32) > 0:
		data := make([]byte, 4*len(p.U32))
		for i, c := range p.U32 {
			binary.BigEndian.PutUint32(data[4*i:], c)
		}
		return data, true
	default:
		return p.Bytes, true
	}
}
