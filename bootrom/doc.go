// Package bootrom encodes the structures a mask ROM reads before it can find
// the second-stage loader.
//
// # NAND Boot Control Block
//
// The ROM scans the first SearchAreaBlocks blocks for a Boot Control Block.
// Each BCB copy occupies one block:
//
//	page 0: FCB        [CHECKSUM]["FCB "][VERSION][geometry, ECC, firmware pages...]
//	page 1: DBBT       [CHECKSUM]["DBBT"][VERSION][RESERVED][DATA_PAGES]
//	page 2: DBBT-DATA  [CHECKSUM][COUNT][BAD_BLOCK...]    only with bad blocks
//
// All fields are 32-bit little-endian. CHECKSUM is the ones' complement of
// the byte sum of the structure from offset 4 on. A zero checksum in a DBBT
// or DBBT-DATA page is accepted; older writers never filled it in.
//
// # eMMC Secondary Image Table
//
// When the second copy of the loader lives in the user area, the ROM finds
// it through a small table at SecondaryImageTableOffset:
//
//	[RESERVED][RESERVED][TAG 0x00112233][FIRST_SECTOR][SECTOR_COUNT]
//
// FIRST_SECTOR is counted from SecondaryImageBase.
//
// # Checksums
//
//	fcb := bootrom.FCB{PageDataSize: 2048, Firmware1StartPage: 256}
//	page := fcb.MarshalBinary()
//	parsed, err := bootrom.ParseFCB(page)
//	if bootrom.IsChecksumError(err) {
//	    // try the next BCB copy
//	}
package bootrom
