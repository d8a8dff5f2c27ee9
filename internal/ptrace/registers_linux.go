// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package ptrace

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fuzzkit/triagecore/arch"
)

// Legacy PTRACE_GETREGS/PTRACE_GETREGSET request numbers, and the
// NT_PRSTATUS note type GETREGSET expects (spec 4.C: "GETREGSET preferred,
// GETREGS fallback").
const (
	ptraceGetRegs   = 0xc
	ptraceGetRegSet = 0x4204
	ntPRSTATUS      = 1
)

// x86_64 struct user_regs_struct field offsets (bytes), only the ones
// spec 4.C needs (PC and, incidentally, none for x86 since it has no
// separate link register).
const x86_64RipOffset = 128 // offsetof(struct user_regs_struct, rip)

// x86 (32-bit) struct user_regs_struct: eip is 4-byte field index 12 (the
// 13th field).
const x86EipOffset = 12 * 4

// ARM (32-bit) struct pt_regs: r[15] is pc, r[14] is lr; 18 uint32 slots.
const (
	armPCOffset = 15 * 4
	armLROffset = 14 * 4
)

// ARM64 struct user_pt_regs: 31 general regs + sp + pc + pstate, all
// uint64; pc is slot 32, lr is regs[30].
const (
	arm64PCOffset = 32 * 8
	arm64LROffset = 30 * 8
)

// Regs is the architecture-generic view of a stopped task's registers
// (spec 4.C): the program counter plus, where the architecture has one,
// the link register.
type Regs struct {
	PC               uint64
	LinkRegister     uint64
	HasLinkRegister  bool
	// Raw is the untouched register buffer, for architectures whose
	// disassembler or unwinder needs more than PC/LR (e.g. frame pointer).
	Raw []byte
}

// GetRegs reads tid's registers, preferring PTRACE_GETREGSET (works across
// more kernel/arch combinations, including compat 32-bit tasks on a
// 64-bit kernel) and falling back to the legacy PTRACE_GETREGS on error,
// per spec 4.C.
func (p *Process) GetRegs(tid int, a *arch.Architecture) (Regs, error) {
	buf := make([]byte, 512) // large enough for any supported arch's regset
	var regs Regs
	err := p.exec.Do(func() error {
		n, err := getRegSet(tid, buf)
		if err != nil {
			n, err = getRegsLegacy(tid, buf)
			if err != nil {
				return err
			}
		}
		buf = buf[:n]
		return nil
	})
	if err != nil {
		return regs, fmt.Errorf("ptrace: get regs for task %d: %w", tid, err)
	}
	regs.Raw = buf
	if err := decodeRegs(buf, a, &regs); err != nil {
		return regs, err
	}
	return regs, nil
}

func getRegSet(tid int, buf []byte) (int, error) {
	iov := unix.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	err := ptraceRaw(ptraceGetRegSet, tid, ntPRSTATUS, uintptr(unsafe.Pointer(&iov)))
	if err != nil {
		return 0, err
	}
	return int(iov.Len), nil
}

func getRegsLegacy(tid int, buf []byte) (int, error) {
	err := ptraceRaw(ptraceGetRegs, tid, 0, uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return 0, err
	}
	// The legacy struct's size is architecture-fixed; callers only read
	// the offsets they know about, so an over-generous length is fine.
	return len(buf), nil
}

// decodeRegs extracts PC (and LR, where applicable) from a raw register
// buffer per architecture, per spec 4.C and 9 ("32-bit vs 64-bit
// dispatch by register-set byte length").
func decodeRegs(buf []byte, a *arch.Architecture, regs *Regs) error {
	switch a.Name {
	case "amd64":
		if len(buf) < x86_64RipOffset+8 {
			return fmt.Errorf("ptrace: short amd64 regset (%d bytes)", len(buf))
		}
		regs.PC = binary.LittleEndian.Uint64(buf[x86_64RipOffset:])
	case "386":
		if len(buf) < x86EipOffset+4 {
			return fmt.Errorf("ptrace: short x86 regset (%d bytes)", len(buf))
		}
		regs.PC = uint64(binary.LittleEndian.Uint32(buf[x86EipOffset:]))
	case "arm":
		if len(buf) < armPCOffset+4 {
			return fmt.Errorf("ptrace: short arm regset (%d bytes)", len(buf))
		}
		pc := binary.LittleEndian.Uint32(buf[armPCOffset:])
		// CPSR (slot 16) is not decoded, so Regs carries no THUMB-mode
		// flag; IsThumb tests bit 0 of an address instead.
		regs.PC = uint64(pc)
		if len(buf) >= armLROffset+4 {
			lr := binary.LittleEndian.Uint32(buf[armLROffset:])
			regs.LinkRegister = uint64(lr)
			regs.HasLinkRegister = true
		}
	case "arm64":
		if len(buf) < arm64PCOffset+8 {
			return fmt.Errorf("ptrace: short arm64 regset (%d bytes)", len(buf))
		}
		regs.PC = binary.LittleEndian.Uint64(buf[arm64PCOffset:])
		if len(buf) >= arm64LROffset+8 {
			regs.LinkRegister = binary.LittleEndian.Uint64(buf[arm64LROffset:])
			regs.HasLinkRegister = true
		}
	case "ppc64", "ppc64le":
		// struct pt_regs on ppc64: nip (PC) is gpr[32], link register is
		// gpr[36]; both uint64.
		const nipOffset = 32 * 8
		const lrOffset = 36 * 8
		if len(buf) < nipOffset+8 {
			return fmt.Errorf("ptrace: short ppc64 regset (%d bytes)", len(buf))
		}
		regs.PC = binary.LittleEndian.Uint64(buf[nipOffset:])
		if len(buf) >= lrOffset+8 {
			regs.LinkRegister = binary.LittleEndian.Uint64(buf[lrOffset:])
			regs.HasLinkRegister = true
		}
	default:
		return fmt.Errorf("ptrace: unsupported architecture %q", a.Name)
	}
	return nil
}

// IsThumb reports whether pc's bit 0 marks a THUMB-mode return address, the
// convention this package uses in place of a direct CPSR read (spec 9).
func IsThumb(pc uint64) bool {
	return pc&1 != 0
}

// Frame-pointer register offsets, used by the stack collector's
// frame-pointer walker (spec 4.F) to find where the saved-fp/return-address
// pair chain starts. Not part of spec 4.C's PC/LR contract, but the same
// raw regset buffer already carries them.
const (
	amd64RbpOffset = 32
	x86EbpOffset   = 5 * 4
	armR11Offset   = 11 * 4
	arm64X29Offset = 29 * 8
	ppc64R1Offset  = 1 * 8
)

// FramePointer extracts the register the frame-pointer unwinder treats as
// the head of the saved-fp/return-address chain: RBP/EBP/R11/X29 on the
// architectures that maintain one, or the stack pointer (R1) on ppc64 as a
// best-effort approximation, since ppc64's calling convention keeps its
// frame back-chain at the stack pointer rather than a dedicated register.
func (r Regs) FramePointer(a *arch.Architecture) uint64 {
	switch a.Name {
	case "amd64":
		return readOffset(r.Raw, amd64RbpOffset, 8)
	case "386":
		return readOffset(r.Raw, x86EbpOffset, 4)
	case "arm":
		return readOffset(r.Raw, armR11Offset, 4)
	case "arm64":
		return readOffset(r.Raw, arm64X29Offset, 8)
	case "ppc64", "ppc64le":
		return readOffset(r.Raw, ppc64R1Offset, 8)
	default:
		return 0
	}
}

func readOffset(buf []byte, offset, width int) uint64 {
	if len(buf) < offset+width {
		return 0
	}
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(buf[offset:]))
	}
	return binary.LittleEndian.Uint64(buf[offset:])
}
