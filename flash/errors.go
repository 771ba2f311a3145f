package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrBlocksChanged means a block went bad during a write. The caller
	// should restart the write of that region copy.
	ErrBlocksChanged = errors.New("bad blocks changed, retry")

	// ErrNoSpace means a region copy has too few good blocks left.
	ErrNoSpace = errors.New("not enough good blocks in region")

	// ErrRange means an access falls outside its region.
	ErrRange = errors.New("access outside region")
)

// IOError wraps a device error with the region, copy and offset it hit.
type IOError struct {
	Op     string
	Region string
	Copy   int
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s copy %d at 0x%X: %v", e.Op, e.Region, e.Copy, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsIOError returns true if err is or wraps an IOError.
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}
