package bootrom

// Checksum returns the ones' complement of the byte sum of b[4:]. The first
// four bytes hold the checksum itself.
func Checksum(b []byte) uint32 {
	var sum uint32
	if len(b) > 4 {
		for _, c := range b[4:] {
			sum += uint32(c)
		}
	}
	return ^sum
}

// verifyChecksum checks the stored checksum of b. allowZero accepts a zero
// checksum as valid.
func verifyChecksum(name string, b []byte, allowZero bool) error {
	stored := le32(b, 0)
	if allowZero && stored == 0 {
		return nil
	}
	if computed := Checksum(b); stored != computed {
		return &ChecksumError{Structure: name, Stored: stored, Computed: computed}
	}
	return nil
}
