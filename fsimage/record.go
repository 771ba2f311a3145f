package fsimage

import (
	"fmt"
)

// Entry is one record found while walking a container.
type Entry struct {
	// Offset is the header offset relative to the start of the walked buffer
	Offset int64

	// Depth is the nesting level, 0 for top-level records
	Depth int

	// Header is the decoded header
	Header *Header

	// Payload is the payload without padding. It may be shorter than
	// Header.Size() if the buffer is truncated.
	Payload []byte
}

// Record splits b into the header at its start and the payload that follows.
// The payload excludes padding. b must contain the whole payload.
func Record(b []byte) (*Header, []byte, error) {
	if !IsContainerTag(b) {
		return nil, nil, fmt.Errorf("no container magic at start of buffer")
	}
	h, err := ParseHeader(b)
	if err != nil {
		return nil, nil, err
	}
	end := uint64(h.Size().WithHeader())
	if end > uint64(len(b)) {
		return h, nil, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTruncated, h.TypeString(), end, len(b))
	}
	return h, b[HeaderSize:end], nil
}

// Children returns the direct child records of a container payload. Raw data
// that follows the last child is ignored.
func Children(payload []byte) []Entry {
	var out []Entry
	_ = walkLevel(payload, 0, 0, false, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out
}

// Walk calls fn for every record in b, depth first. Records whose payload
// starts with the container magic are descended into. A non-nil error from
// fn stops the walk and is returned.
func Walk(b []byte, fn func(Entry) error) error {
	return walkLevel(b, 0, 0, true, fn)
}

func walkLevel(b []byte, base int64, depth int, recurse bool, fn func(Entry) error) error {
	off := 0
	for len(b)-off >= HeaderSize && IsContainerTag(b[off:]) {
		h, err := ParseHeader(b[off:])
		if err != nil {
			return err
		}

		start := off + HeaderSize
		end := len(b)
		if uint64(h.Size()) < uint64(end-start) {
			end = start + int(h.Size())
		}
		e := Entry{
			Offset:  base + int64(off),
			Depth:   depth,
			Header:  h,
			Payload: b[start:end],
		}
		if err := fn(e); err != nil {
			return err
		}

		if recurse && IsContainerTag(e.Payload) {
			if err := walkLevel(e.Payload, e.Offset+HeaderSize, depth+1, true, fn); err != nil {
				return err
			}
		}

		next := uint64(off) + uint64(h.Extent())
		if next > uint64(len(b)) {
			break
		}
		off = int(next)
	}
	return nil
}

// List returns every record in b in walk order.
func List(b []byte) ([]Entry, error) {
	var out []Entry
	err := Walk(b, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Find searches b recursively for the first record with the given type and
// description and returns it as header plus payload (without padding).
func Find(b []byte, typ, descr string) ([]byte, error) {
	var found []byte
	err := Walk(b, func(e Entry) error {
		if !e.Header.Matches(typ, descr) {
			return nil
		}
		if uint64(len(e.Payload)) < uint64(e.Header.Size()) {
			return fmt.Errorf("%w: %s(%s)", ErrTruncated, typ, descr)
		}
		start := int(e.Offset)
		found = b[start : start+HeaderSize+len(e.Payload)]
		return errStop
	})
	if err != nil && err != errStop {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s(%s)", ErrNotFound, typ, descr)
	}
	return found, nil
}

// FindChild looks only at the direct children of a container payload.
func FindChild(payload []byte, typ, descr string) ([]byte, error) {
	for _, e := range Children(payload) {
		if e.Header.Matches(typ, descr) && uint64(len(e.Payload)) == uint64(e.Header.Size()) {
			start := int(e.Offset)
			return payload[start : start+HeaderSize+len(e.Payload)], nil
		}
	}
	return nil, fmt.Errorf("%w: %s(%s)", ErrNotFound, typ, descr)
}

type stopError struct{}

func (stopError) Error() string { return "stop" }

var errStop error = stopError{}
