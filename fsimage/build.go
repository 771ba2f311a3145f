package fsimage

import (
	"bytes"
	"fmt"
)

// Node describes one record of a container tree for Build.
// A node with children is a container; Data is then appended after the
// children as raw trailing data.
type Node struct {
	Type     string
	Descr    string
	Data     []byte
	Children []Node

	// Flags are ORed into the flags passed to Build
	Flags Flags

	// Signer, if set, appends a signature trailer and sets FlagSigned
	Signer Signer
}

// Build serializes the node tree into a container. crcFlags selects the CRC
// coverage stamped into every record.
func Build(root Node, crcFlags Flags) ([]byte, error) {
	var buf bytes.Buffer
	if err := emitNode(&buf, root, crcFlags&FlagsCRC32); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func emitNode(out *bytes.Buffer, n Node, crcFlags Flags) error {
	var payload bytes.Buffer
	for _, child := range n.Children {
		if err := emitNode(&payload, child, crcFlags); err != nil {
			return fmt.Errorf("%s: %w", n.Type, err)
		}
	}
	payload.Write(n.Data)

	h, err := EncodeRecord(n.Type, n.Descr, payload.Bytes(), crcFlags|n.Flags, n.Signer)
	if err != nil {
		return err
	}
	out.Write(h)
	return nil
}

// EncodeRecord returns header, payload and padding for one record.
func EncodeRecord(typ, descr string, payload []byte, flags Flags, signer Signer) ([]byte, error) {
	body := payload
	if signer != nil {
		flags |= FlagSigned
		body = append(append([]byte(nil), payload...), make([]byte, signer.SignatureSize())...)
	}

	h, err := NewHeader(typ, descr, PayloadSize(len(body)), flags)
	if err != nil {
		return nil, err
	}

	if signer != nil {
		sigLen := signer.SignatureSize()
		h.SetSignatureSize(PayloadSize(sigLen))
		span, _, err := SignedSpan(h, body)
		if err != nil {
			return nil, err
		}
		sig, err := signer.Sign(span)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", typ, err)
		}
		if len(sig) != sigLen {
			return nil, fmt.Errorf("sign %s: signature is %d bytes, expected %d", typ, len(sig), sigLen)
		}
		copy(body[len(payload):], sig)
	}

	Stamp(h, body)

	rec := make([]byte, 0, int(h.Extent()))
	rec = append(rec, h.Bytes()...)
	rec = append(rec, body...)
	rec = append(rec, make([]byte, h.Padsize)...)
	return rec, nil
}
