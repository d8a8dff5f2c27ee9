// Package frame defines the stack-frame type shared by the stack collector,
// the sanitizer-report parser, the fingerprint hasher and the artifact
// writer (spec 3, "Frame").
package frame

import "strings"

// MaxFuncs bounds the number of frames any Frame sequence may carry
// (_HF_MAX_FUNCS in spec 3).
const MaxFuncs = 80

// Frame is a single stack level. Frames are immutable once produced: every
// field is set exactly once, by whichever producer (unwinder or sanitizer
// parser) created the sequence.
type Frame struct {
	// PC is the instruction address for this frame, architecture width.
	// Spec 3 calls this field nullable; HasPC records whether a zero PC
	// is a real address.
	PC uint64
	// HasPC distinguishes a genuinely unknown PC from a crash at address 0.
	HasPC bool
	// Symbol is the function or module name, filled in by symbolization.
	// It may be empty if no resolver was available or the address could
	// not be matched to a symbol.
	Symbol string
	// Offset is the byte offset of PC within Symbol.
	Offset uint32
}

// Sequence is an ordered list of Frames, root (innermost) first, bounded to
// MaxFuncs entries.
type Sequence []Frame

// Truncate returns s trimmed to MaxFuncs frames, as every producer must
// before handing a Sequence to the fingerprint hasher (spec 4.F).
func (s Sequence) Truncate() Sequence {
	if len(s) > MaxFuncs {
		return s[:MaxFuncs]
	}
	return s
}

// HasSymbol reports whether any frame in the sequence carries the given
// symbol name, used by the policy filter's whitelist/blacklist checks
// (spec 4.I).
func (s Sequence) HasSymbol(name string) bool {
	for _, f := range s {
		if f.Symbol == name {
			return true
		}
	}
	return false
}

// ContainsSubstring reports whether any frame's symbol contains substr.
// The policy filter's symbol lists are matched by substring, not exact
// equality, because sanitizer frame symbols are often "module+0xoffset" or
// a mangled name that only partially matches a configured pattern.
func (s Sequence) ContainsSubstring(substr string) bool {
	if substr == "" {
		return false
	}
	for _, f := range s {
		if strings.Contains(f.Symbol, substr) {
			return true
		}
	}
	return false
}
