// Package fingerprint reduces a stack-frame sequence to the 64-bit
// callstack hash used to decide whether a crash is novel (spec 4.G).
package fingerprint

import (
	"fmt"

	"github.com/fuzzkit/triagecore/internal/frame"
)

// DefaultMajorFrames is the default value of M, the number of innermost
// frames folded into the hash (spec 4.G, "Major frame" in the glossary).
const DefaultMajorFrames = 7

// SingleFrameMask is the reserved bit set when masking is enabled and the
// backtrace carries exactly one frame (spec 3, "FingerprintHash"; spec 9,
// "Single-frame mask bit"). The mixing function never sets this bit on its
// own so the flag stays unambiguous.
const SingleFrameMask uint64 = 1 << 63

// Options configures one hashing call.
type Options struct {
	// MajorFrames is M; frames beyond this index are not folded in.
	// Zero means DefaultMajorFrames.
	MajorFrames int
	// EnableMasking allows the single-frame mask bit to be set. The spec
	// requires this disabled for verifier workers (glossary, "Verifier
	// worker") so a re-run never perturbs uniqueness state.
	EnableMasking bool
	// LinkRegister is the ARM/AArch64 link register, used to add
	// discrimination to otherwise-identical single-frame hashes (spec
	// 4.G step 3). Ignored on architectures without a link register.
	LinkRegister uint64
	// HaveLinkRegister reports whether LinkRegister could be read. If
	// false, masking is forced off per spec 4.G step 3, because a
	// single-frame hash without LR discrimination is not trustworthy
	// enough to treat as unique.
	HaveLinkRegister bool
	// HasLinkRegister reports whether the target architecture has a
	// link register at all (ARM/AArch64 only); on architectures without
	// one, step 3 never applies regardless of HaveLinkRegister.
	HasLinkRegister bool
	// PointerHexDigits is the width, in hex digits, used to render a PC
	// before taking its last three characters (16 for 64-bit targets, 8
	// for 32-bit).
	PointerHexDigits int
}

func (o Options) majorFrames() int {
	if o.MajorFrames <= 0 {
		return DefaultMajorFrames
	}
	return o.MajorFrames
}

func (o Options) hexDigits() int {
	if o.PointerHexDigits <= 0 {
		return 16
	}
	return o.PointerHexDigits
}

// Hash reduces frames to a 64-bit callstack fingerprint, per spec 4.G.
func Hash(frames frame.Sequence, opts Options) uint64 {
	var acc uint64
	m := opts.majorFrames()
	for i := 0; i < len(frames) && i < m; i++ {
		last3 := last3HexChars(frames[i].PC, opts.hexDigits())
		acc ^= mix(i, last3)
	}

	if len(frames) != 1 {
		return acc
	}

	if opts.EnableMasking {
		acc |= SingleFrameMask
	}

	if !opts.HasLinkRegister {
		return acc
	}
	if !opts.HaveLinkRegister {
		// Spec 4.G step 3: LR unreadable forces masking off, i.e. the
		// hash must not be treated as unique. We signal that by
		// clearing the mask bit we might otherwise have set above.
		return acc &^ SingleFrameMask
	}
	acc ^= last3HexNibbles(opts.LinkRegister)
	return acc
}

// last3HexChars renders pc as a zero-padded lowercase hex literal of width
// digits and returns its final three characters as bytes (spec 4.G step 1:
// "render the PC as a lowercase hex literal, take the final three
// characters").
func last3HexChars(pc uint64, digits int) [3]byte {
	s := fmt.Sprintf("%0*x", digits, pc)
	if len(s) < 3 {
		s = fmt.Sprintf("%03s", s)
	}
	tail := s[len(s)-3:]
	return [3]byte{tail[0], tail[1], tail[2]}
}

// last3HexNibbles returns the numeric value of the last three hex digits of
// lr, used verbatim as the extra-discrimination term in spec 4.G step 3.
func last3HexNibbles(lr uint64) uint64 {
	return lr & 0xFFF
}

// mix is the table-free, order-sensitive 64-bit mixing function required
// by spec 4.G's determinism note: the same three characters at a different
// frame index must not collapse to the same contribution, or reordered
// stacks that happen to share frame content would alias. It is a salted
// FNV-1a variant folded over the frame index and the three characters.
func mix(index int, chars [3]byte) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	h ^= uint64(index) + 1
	h *= prime64
	for _, c := range chars {
		h ^= uint64(c)
		h *= prime64
	}
	// Keep the reserved single-frame-mask bit clear so SingleFrameMask
	// stays unambiguous (spec 9).
	return h &^ SingleFrameMask
}

// IsMasked reports whether h carries the single-frame mask bit.
func IsMasked(h uint64) bool {
	return h&SingleFrameMask != 0
}
