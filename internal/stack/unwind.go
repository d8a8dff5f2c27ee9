// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stack

import (
	"encoding/binary"

	"github.com/fuzzkit/triagecore/arch"
	"github.com/fuzzkit/triagecore/internal/frame"
)

// MemoryReader is the subset of internal/ptrace.Process this package
// needs, kept as an interface so the walker can be tested without a real
// ptrace target (spec 4.F depends on the Remote Memory Reader, spec 4.D).
type MemoryReader interface {
	ReadMemory(tid int, addr uint64, length int) ([]byte, error)
}

// Unwinder produces the call stack for a stopped task, per spec 4.F.
type Unwinder interface {
	Unwind(tid int, pc, sp uint64, maxFrames int) frame.Sequence
}

// FramePointerUnwinder walks saved frame pointers, the default strategy
// (spec 4.F), grounded on the teacher's Server.Frames (program/server/
// server.go), which walks sp/fp the same way to recover argument frames;
// here it is generalized to produce a plain PC sequence rather than
// argument text, and made architecture-generic instead of amd64-only.
type FramePointerUnwinder struct {
	Mem  MemoryReader
	Sym  *Symbolizer
	Arch *arch.Architecture
}

// Unwind walks the frame-pointer chain starting at (pc, sp), symbolizing
// each return address, until it runs out of frames, the frame pointer
// stops advancing, or maxFrames is reached. On any failure to read the
// first frame it falls back to the synthetic single-frame stack spec 4.F
// requires when unwinding cannot proceed at all.
func (u FramePointerUnwinder) Unwind(tid int, pc, sp uint64, maxFrames int) frame.Sequence {
	if pc == 0 {
		return frame.Sequence{}
	}

	seq := make(frame.Sequence, 0, maxFrames)
	seq = append(seq, SingleFrame(u.Sym, pc)...)

	fp := sp
	ptrSize := u.Arch.PointerSize
	seen := make(map[uint64]bool)

	for len(seq) < maxFrames {
		if fp == 0 || seen[fp] {
			break
		}
		seen[fp] = true

		// Standard frame-pointer convention: [fp] holds the caller's
		// saved fp, [fp+ptrSize] holds the return address.
		buf, err := u.Mem.ReadMemory(tid, fp, ptrSize*2)
		if err != nil || len(buf) < ptrSize*2 {
			break
		}
		callerFP := readUint(buf[:ptrSize], u.Arch.ByteOrder)
		retAddr := readUint(buf[ptrSize:ptrSize*2], u.Arch.ByteOrder)
		if retAddr == 0 {
			break
		}
		seq = append(seq, u.symbolize(retAddr))
		fp = callerFP
	}
	return seq
}

func (u FramePointerUnwinder) symbolize(pc uint64) frame.Frame {
	if u.Sym != nil {
		if f, ok := u.Sym.LookupPC(pc); ok {
			return f
		}
	}
	return frame.Frame{PC: pc, HasPC: true}
}

func readUint(buf []byte, order binary.ByteOrder) uint64 {
	switch len(buf) {
	case 4:
		return uint64(order.Uint32(buf))
	case 8:
		return order.Uint64(buf)
	default:
		return 0
	}
}

// SingleFrame builds the one-frame stack spec 4.F falls back to, from a
// bare PC, symbolized when sym resolves it. Unwind uses it for the leaf
// frame, so a walk that reads no caller frame returns exactly this.
func SingleFrame(sym *Symbolizer, pc uint64) frame.Sequence {
	if sym != nil {
		if f, ok := sym.LookupPC(pc); ok {
			return frame.Sequence{f}
		}
	}
	return frame.Sequence{{PC: pc, HasPC: true}}
}
