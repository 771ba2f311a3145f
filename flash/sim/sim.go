// Package sim provides RAM backed NAND and eMMC devices for tests and the
// command line tool.
//
// Both devices can be saved to and loaded from files, and both count the
// operations that change storage. CutPowerAfter arms a power cut: once the
// given number of operations has been performed every later one does
// nothing and returns ErrPowerCut until Restore is called.
package sim

import (
	"errors"
	"fmt"
)

var (
	// ErrPowerCut is returned by every storage change after the cut.
	ErrPowerCut = errors.New("power cut")

	// ErrECC means a page was read with an ECC mode other than the one it
	// was programmed with.
	ErrECC = errors.New("uncorrectable ECC error")

	// ErrInjected is returned by operations hit by an injected fault.
	ErrInjected = errors.New("injected fault")
)

// RangeError reports an access past the end of a device.
type RangeError struct {
	Op    string
	Index int64
	Max   int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("sim: %s %d out of range (max %d)", e.Op, e.Index, e.Max)
}

// power implements the operation counter shared by both devices.
type power struct {
	ops   int
	limit int
	armed bool
}

// CutPowerAfter makes every storage change after the next n fail.
func (p *power) CutPowerAfter(n int) {
	p.limit = p.ops + n
	p.armed = true
}

// Restore ends a power cut.
func (p *power) Restore() {
	p.armed = false
}

// Ops returns the number of storage changes performed so far.
func (p *power) Ops() int {
	return p.ops
}

// Cut reports whether power is currently off.
func (p *power) Cut() bool {
	return p.armed && p.ops >= p.limit
}

// step accounts one storage change.
func (p *power) step() error {
	if p.Cut() {
		return ErrPowerCut
	}
	p.ops++
	return nil
}
