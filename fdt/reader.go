package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProperty is returned when a property is absent.
	ErrNoProperty = errors.New("no such property")

	// ErrBadBlob is returned for malformed blobs.
	ErrBadBlob = errors.New("malformed device tree")
)

// Tree is a parsed device tree.
type Tree struct {
	Root *Node
}

// Parse decodes an FDT blob.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < fdtHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrBadBlob, len(blob))
	}
	if binary.BigEndian.Uint32(blob[0:]) != fdtMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08X", ErrBadBlob, binary.BigEndian.Uint32(blob[0:]))
	}

	total := binary.BigEndian.Uint32(blob[4:])
	structOff := binary.BigEndian.Uint32(blob[8:])
	stringsOff := binary.BigEndian.Uint32(blob[12:])
	stringsSize := binary.BigEndian.Uint32(blob[32:])
	structSize := binary.BigEndian.Uint32(blob[36:])

	if uint64(total) > uint64(len(blob)) ||
		uint64(structOff)+uint64(structSize) > uint64(total) ||
		uint64(stringsOff)+uint64(stringsSize) > uint64(total) {
		return nil, fmt.Errorf("%w: blocks exceed total size %d", ErrBadBlob, total)
	}

	p := &parser{
		st:   blob[structOff : structOff+structSize],
		strs: blob[stringsOff : stringsOff+stringsSize],
	}
	root, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root}, nil
}

// Node returns the node at an absolute path such as "/nboot-info", or nil.
func (t *Tree) Node(path string) *Node {
	n := t.Root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if n = n.Child(part); n == nil {
			return nil
		}
	}
	return n
}

type parser struct {
	st   []byte
	strs []byte
	off  int
}

func (p *parser) parse() (*Node, error) {
	var (
		stack []*Node
		root  *Node
	)
	for {
		tok, err := p.u32()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokenBeginNode:
			name, err := p.cstring()
			if err != nil {
				return nil, err
			}
			n := &Node{Name: name, raw: make(map[string][]byte)}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: multiple root nodes", ErrBadBlob)
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)

		case tokenEndNode:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: unbalanced end node", ErrBadBlob)
			}
			stack = stack[:len(stack)-1]

		case tokenProp:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: property outside node", ErrBadBlob)
			}
			length, err := p.u32()
			if err != nil {
				return nil, err
			}
			nameOff, err := p.u32()
			if err != nil {
				return nil, err
			}
			if uint64(p.off)+uint64(length) > uint64(len(p.st)) {
				return nil, fmt.Errorf("%w: property value overruns structure block", ErrBadBlob)
			}
			name, err := p.name(nameOff)
			if err != nil {
				return nil, err
			}
			stack[len(stack)-1].raw[name] = p.st[p.off : p.off+int(length)]
			p.off += int(length)
			p.align()

		case tokenNop:

		case tokenEnd:
			if root == nil || len(stack) != 0 {
				return nil, fmt.Errorf("%w: unterminated tree", ErrBadBlob)
			}
			return root, nil

		default:
			return nil, fmt.Errorf("%w: unknown token 0x%X at 0x%X", ErrBadBlob, tok, p.off-4)
		}
	}
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.st) {
		return 0, fmt.Errorf("%w: structure block truncated", ErrBadBlob)
	}
	v := binary.BigEndian.Uint32(p.st[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) cstring() (string, error) {
	for i := p.off; i < len(p.st); i++ {
		if p.st[i] == 0 {
			s := string(p.st[p.off:i])
			p.off = i + 1
			p.align()
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unterminated node name", ErrBadBlob)
}

func (p *parser) name(off uint32) (string, error) {
	if int(off) >= len(p.strs) {
		return "", fmt.Errorf("%w: string offset 0x%X out of range", ErrBadBlob, off)
	}
	s := p.strs[off:]
	for i, c := range s {
		if c == 0 {
			return string(s[:i]), nil
		}
	}
	return "", fmt.Errorf("%w: unterminated property name", ErrBadBlob)
}

func (p *parser) align() {
	p.off = (p.off + 3) &^ 3
}
