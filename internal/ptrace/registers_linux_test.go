// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package ptrace

import (
	"encoding/binary"
	"testing"

	"github.com/fuzzkit/triagecore/arch"
)

func TestDecodeRegsAMD64(t *testing.T) {
	buf := make([]byte, 512)
	binary.LittleEndian.PutUint64(buf[x86_64RipOffset:], 0x400123)
	var regs Regs
	if err := decodeRegs(buf, &arch.AMD64, &regs); err != nil {
		t.Fatalf("decodeRegs: %v", err)
	}
	if regs.PC != 0x400123 {
		t.Errorf("PC = %#x, want 0x400123", regs.PC)
	}
	if regs.HasLinkRegister {
		t.Errorf("amd64 has no link register")
	}
}

func TestDecodeRegsARMLinkRegister(t *testing.T) {
	buf := make([]byte, 18*4)
	binary.LittleEndian.PutUint32(buf[armPCOffset:], 0x8010)
	binary.LittleEndian.PutUint32(buf[armLROffset:], 0x8009)
	var regs Regs
	if err := decodeRegs(buf, &arch.ARM, &regs); err != nil {
		t.Fatalf("decodeRegs: %v", err)
	}
	if regs.PC != 0x8010 {
		t.Errorf("PC = %#x, want 0x8010", regs.PC)
	}
	if !regs.HasLinkRegister || regs.LinkRegister != 0x8009 {
		t.Errorf("LR = (%v,%#x), want (true,0x8009)", regs.HasLinkRegister, regs.LinkRegister)
	}
}

func TestDecodeRegsARM64(t *testing.T) {
	buf := make([]byte, 34*8)
	binary.LittleEndian.PutUint64(buf[arm64PCOffset:], 0xffff800012345678)
	binary.LittleEndian.PutUint64(buf[arm64LROffset:], 0xffff800012345670)
	var regs Regs
	if err := decodeRegs(buf, &arch.ARM64, &regs); err != nil {
		t.Fatalf("decodeRegs: %v", err)
	}
	if regs.PC != 0xffff800012345678 {
		t.Errorf("PC = %#x, want 0xffff800012345678", regs.PC)
	}
	if !regs.HasLinkRegister {
		t.Errorf("expected arm64 link register to be present")
	}
}

func TestDecodeRegsShortBufferErrors(t *testing.T) {
	var regs Regs
	if err := decodeRegs(make([]byte, 4), &arch.AMD64, &regs); err == nil {
		t.Fatalf("expected error for a truncated regset")
	}
}

func TestDecodeRegsUnsupportedArch(t *testing.T) {
	var regs Regs
	unsupported := &arch.Architecture{Name: "mips"}
	if err := decodeRegs(make([]byte, 512), unsupported, &regs); err == nil {
		t.Fatalf("expected error for an unsupported architecture")
	}
}

func TestIsThumb(t *testing.T) {
	if IsThumb(0x8010) {
		t.Errorf("0x8010 should decode as ARM mode")
	}
	if !IsThumb(0x8011) {
		t.Errorf("0x8011 should decode as THUMB mode")
	}
}
