package fsimage

import (
	"fmt"
)

// Verifier checks a signature over a signed span. The signature format is
// opaque to this package.
type Verifier interface {
	Verify(signed, signature []byte) (bool, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(signed, signature []byte) (bool, error)

// Verify calls f.
func (f VerifierFunc) Verify(signed, signature []byte) (bool, error) {
	return f(signed, signature)
}

// Signer produces signature trailers for Build.
type Signer interface {
	// SignatureSize is the fixed length of the produced trailer
	SignatureSize() int

	// Sign returns the trailer for the given signed span
	Sign(signed []byte) ([]byte, error)
}

// SignedSpan returns the bytes covered by the signature of a signed record:
// the header with its CRC slot cleared, followed by the payload body without
// the signature trailer. The trailer is returned separately.
func SignedSpan(h *Header, payload []byte) (span, signature []byte, err error) {
	if h.Flags&FlagSigned == 0 {
		return nil, nil, fmt.Errorf("%s is not signed", h.TypeString())
	}
	sigLen := h.SignatureSize()
	if uint64(sigLen) > uint64(len(payload)) {
		return nil, nil, fmt.Errorf("%w: signature trailer of %d bytes in %d byte payload",
			ErrTruncated, sigLen, len(payload))
	}
	body := payload[:len(payload)-int(sigLen)]

	span = make([]byte, 0, HeaderSize+len(body))
	span = append(span, zeroedHeader(h)...)
	span = append(span, body...)
	return span, payload[len(body):], nil
}

// NeedsSignature reports whether a locked device refuses h unless it is
// signed. These are the records handed to the boot chain: BOARD-CFG, the
// DRAM firmware and timing, ATF and TEE.
func NeedsSignature(h *Header) bool {
	for _, typ := range []string{TypeBoardCfg, TypeDRAMFW, TypeDRAMTiming, TypeATF, TypeTEE} {
		if h.Matches(typ) {
			return true
		}
	}
	return false
}

// Body returns payload without the signature trailer of a signed record.
func Body(h *Header, payload []byte) []byte {
	n := uint64(h.SignatureSize())
	if n > uint64(len(payload)) {
		return payload[:0]
	}
	return payload[:uint64(len(payload))-n]
}

// VerifySignature checks the signature of the record at the start of rec.
//
// On a locked device a record for which NeedsSignature holds must be signed
// and verify; unsigned or unverifiable ones return an error wrapping
// ErrSignature. Everywhere else an unsigned record or a missing verifier
// pass, leaving integrity to the CRC. A present signature that verifies
// negative always fails.
func VerifySignature(rec []byte, v Verifier, locked bool) error {
	h, payload, err := Record(rec)
	if err != nil {
		return err
	}
	return verifyRecord(h, payload, v, locked)
}

func verifyRecord(h *Header, payload []byte, v Verifier, locked bool) error {
	if h.Flags&FlagSigned == 0 || v == nil {
		if locked && NeedsSignature(h) {
			return &ValidationError{
				Type:  h.TypeString(),
				Descr: h.Descr(),
				Check: CheckSignature,
				Err:   fmt.Errorf("%w: device is locked and record is not verifiable", ErrSignature),
			}
		}
		return nil
	}

	span, sig, err := SignedSpan(h, payload)
	if err != nil {
		return &ValidationError{Type: h.TypeString(), Descr: h.Descr(), Check: CheckSignature, Err: err}
	}
	ok, err := v.Verify(span, sig)
	if err != nil {
		return &ValidationError{
			Type:  h.TypeString(),
			Descr: h.Descr(),
			Check: CheckSignature,
			Err:   fmt.Errorf("%w: %v", ErrSignature, err),
		}
	}
	if !ok {
		return &ValidationError{Type: h.TypeString(), Descr: h.Descr(), Check: CheckSignature, Err: ErrSignature}
	}
	return nil
}

// VerifyPayload is VerifySignature for an already split record.
func VerifyPayload(h *Header, payload []byte, v Verifier, locked bool) error {
	return verifyRecord(h, payload, v, locked)
}

// ValidateOptions controls Validate.
type ValidateOptions struct {
	// Verifier checks signatures; nil skips signature checks on open devices
	Verifier Verifier

	// Locked refuses unsigned or unverifiable records for which
	// NeedsSignature holds
	Locked bool
}

// Validate checks every CRC and every signature in container, at any depth.
func Validate(container []byte, opts ValidateOptions) error {
	if !IsContainerTag(container) {
		return &ValidationError{Check: CheckSize, Err: fmt.Errorf("no container magic")}
	}
	if err := ValidateRecursive(container); err != nil {
		return err
	}
	return Walk(container, func(e Entry) error {
		if err := verifyRecord(e.Header, e.Payload, opts.Verifier, opts.Locked); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				ve.Offset = e.Offset
			}
			return err
		}
		return nil
	})
}
