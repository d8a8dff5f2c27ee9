// Package disasm implements the instruction decoder that turns the bytes
// at a crashing PC into a short, artifact-report-safe text line (spec
// 4.E).
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/fuzzkit/triagecore/arch"
)

// Unknown and NotMapped are the literals a report writer substitutes when
// decoding fails or the bytes at PC could not be read at all (spec 4.E).
const (
	Unknown   = "[UNKNOWN]"
	NotMapped = "[NOT_MMAPED]"
)

// Decoder turns raw bytes read from a target's text at a given PC into a
// human-readable instruction line.
type Decoder interface {
	// Decode returns the instruction text and its length in bytes. It
	// never errors: undecodable input yields Unknown text (NotMapped when
	// the buffer is shorter than a fixed-width instruction) and a length
	// of at least 1, so callers can always advance.
	Decode(code []byte, pc uint64) (text string, length int)
}

// New returns the Decoder appropriate for a, per spec 4.E: a real x86
// decoder for amd64/386, and a fixed-width hex-dump fallback for
// architectures x86asm doesn't cover.
func New(a *arch.Architecture) Decoder {
	switch a.Name {
	case "amd64":
		return x86Decoder{mode: 64}
	case "386":
		return x86Decoder{mode: 32}
	default:
		return fixedWidthDecoder{width: a.MaxInstrSize}
	}
}

type x86Decoder struct{ mode int }

func (d x86Decoder) Decode(code []byte, pc uint64) (string, int) {
	inst, err := x86asm.Decode(code, d.mode)
	if err != nil || inst.Len == 0 {
		return Unknown, 1
	}
	text := x86asm.GNUSyntax(inst, pc, nil)
	if text == "" {
		return Unknown, inst.Len
	}
	return Sanitize(text), inst.Len
}

// fixedWidthDecoder handles architectures with no available decoder: it
// reports the raw bytes as a hex string and always advances by the
// architecture's fixed instruction width (spec 4.E, "ARM/PowerPC fallback
// mnemonic table" — here reduced to a hex dump, since no bundled
// architecture-specific mnemonic table exists to decode ARM/PowerPC
// opcodes and building one is out of scope for the crash-triage core).
type fixedWidthDecoder struct{ width int }

func (d fixedWidthDecoder) Decode(code []byte, pc uint64) (string, int) {
	width := d.width
	if width <= 0 {
		width = 4
	}
	if len(code) < width {
		return NotMapped, width
	}
	return Sanitize(fmt.Sprintf(".byte %s", hexBytes(code[:width]))), width
}

func hexBytes(b []byte) string {
	var sb strings.Builder
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", c)
	}
	return sb.String()
}

// Sanitize replaces characters unsafe for a plain-text artifact report
// (path separators, backslashes, embedded whitespace runs and
// non-printable bytes) with underscores, per spec 4.E and 4.J's ASCII
// report format requirement.
func Sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	prevUnderscore := false
	for _, r := range s {
		switch {
		case r == '/' || r == '\\':
			sb.WriteByte('_')
			prevUnderscore = true
		case r < 0x20 || r == 0x7f || r == ' ' || r == '\t':
			if !prevUnderscore {
				sb.WriteByte('_')
			}
			prevUnderscore = true
		default:
			sb.WriteRune(r)
			prevUnderscore = false
		}
	}
	return sb.String()
}
