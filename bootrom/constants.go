package bootrom

// Fingerprints and versions.
const (
	// FCBFingerprint identifies a Firmware Configuration Block
	FCBFingerprint = "FCB "

	// DBBTFingerprint identifies a Discovered Bad Block Table
	DBBTFingerprint = "DBBT"

	// FCBVersion is the FCB layout version written by this package
	FCBVersion = 0x01000000

	// DBBTVersion is the DBBT layout version written by this package
	DBBTVersion = 0x01000000
)

// Structure sizes in bytes.
const (
	FCBSize          = 64
	DBBTSize         = 20
	DBBTDataHeadSize = 8
)

// NAND boot search area.
const (
	// SearchAreaBlocks is the number of blocks the ROM scans for a BCB and
	// in which it honours the DBBT-DATA bad block list
	SearchAreaBlocks = 32

	// BCBCopies is the number of BCB copies written
	BCBCopies = 2

	// BCBStride is how far a copy moves when its block is bad
	BCBStride = 2
)

// Page indices inside a BCB block.
const (
	PageFCB = iota
	PageDBBT
	PageDBBTData
)

// ECC modes named in the FCB.
const (
	ECCTypeDefault = 8
	ECCTypeBoot    = 16
)

// eMMC secondary image table.
const (
	// SecondaryImageTag marks a valid secondary image table
	SecondaryImageTag = 0x00112233

	// SecondaryImageBase is the user-area offset FIRST_SECTOR counts from
	SecondaryImageBase = 0x8000

	// SecondaryImageTableOffset is the user-area offset of the table
	SecondaryImageTableOffset = 0x200

	// SecondaryImageTableSize is the encoded size of the table
	SecondaryImageTableSize = 20
)
