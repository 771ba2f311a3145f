package fsimage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record is not in a container.
	ErrNotFound = errors.New("record not found")

	// ErrSignature is returned when a signature check refuses a record.
	ErrSignature = errors.New("signature verification failed")

	// ErrTruncated is returned when a record extends past the available data.
	ErrTruncated = errors.New("record truncated")
)

// Check names used in ValidationError.
const (
	CheckMagic     = "magic"
	CheckCRC       = "crc32"
	CheckSignature = "signature"
	CheckSize      = "size"
)

// ValidationError reports which check failed for which record.
type ValidationError struct {
	// Offset is the offset of the failing record's header in the validated buffer
	Offset int64

	// Type and Descr identify the failing record
	Type  string
	Descr string

	// Check is one of the Check constants
	Check string

	// Err is the underlying cause, if any
	Err error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s check failed for %s(%s) at offset 0x%X", e.Check, e.Type, e.Descr, e.Offset)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
