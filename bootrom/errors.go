package bootrom

import (
	"errors"
	"fmt"
)

// ErrFingerprint is returned when a structure does not carry its fingerprint.
var ErrFingerprint = errors.New("bad fingerprint")

// ChecksumError reports a structure whose stored checksum does not match.
type ChecksumError struct {
	// Structure is "FCB", "DBBT" or "DBBT-DATA"
	Structure string

	Stored   uint32
	Computed uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s checksum mismatch: stored 0x%08X, computed 0x%08X",
		e.Structure, e.Stored, e.Computed)
}

// IsChecksumError returns true if err is or wraps a ChecksumError.
func IsChecksumError(err error) bool {
	var ce *ChecksumError
	return errors.As(err, &ce)
}
