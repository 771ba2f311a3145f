// Package fsimage implements the F&S-style image container format.
//
// # Record Format
//
// Every sub-image in a container is preceded by a fixed 64-byte header record.
// All multi-byte fields are little-endian.
//
//	Offset  Size  Field
//	0       4     Magic "FSLX" ("FS" tag + "LX" payload kind)
//	4       4     Payload size, low 32 bits
//	8       4     Payload size, high 32 bits (stored, not interpreted)
//	12      2     Flags
//	14      1     Padding size
//	15      1     Header version (0x10)
//	16      16    Type, e.g. "BOARD-CFG", "FIRMWARE", "SPL"
//	32      32    Description string or raw parameters
//
// The payload follows the header and is padded with zero bytes so that
// payload+pad is a multiple of 16. A record therefore occupies
// 64 + size + padsize bytes on the medium. A container is a record whose
// payload is a concatenation of child records, optionally followed by raw
// data that does not start with the magic.
//
// # Sizes
//
// Payload sizes and record sizes are distinct types. PayloadSize never
// includes the header; RecordSize always does:
//
//	h, _ := fsimage.ParseHeader(buf)
//	payload := h.Size()    // fsimage.PayloadSize
//	extent := h.Extent()   // fsimage.RecordSize (header + payload + pad)
//
// # Checksums and Signatures
//
// A CRC32 may cover the payload, the header or both, depending on the flags.
// Use CheckCRC32 for a single record and ValidateRecursive for a whole tree.
// Signature bodies are opaque; VerifySignature only locates the signed span
// and hands it to a Verifier.
//
// # Building Containers
//
//	blob, err := fsimage.Build(fsimage.Node{
//	    Type:  "NBOOT",
//	    Descr: "imx8mm",
//	    Children: []fsimage.Node{
//	        {Type: "SPL", Descr: "imx8mm", Data: spl},
//	    },
//	}, fsimage.FlagCRC32Image|fsimage.FlagCRC32Header)
package fsimage
