// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch contains architecture-specific definitions shared by the
// register reader, the remote memory reader and the instruction decoder.
package arch

import (
	"encoding/binary"
)

// Architecture defines the architecture-specific details for a given machine.
type Architecture struct {
	// Name identifies the architecture for logging and CLI flags.
	Name string
	// IntSize is the size of the int type, in bytes.
	IntSize int
	// PointerSize is the size of a pointer, in bytes.
	PointerSize int
	// MaxInstrSize is the number of bytes to read at PC before handing
	// them to the disassembler (spec 4.E: 16 on x86, 8 on AArch64, 4 on
	// ARM/PowerPC).
	MaxInstrSize int
	// ByteOrder is the byte order for ints and pointers.
	ByteOrder binary.ByteOrder
}

var AMD64 = Architecture{
	Name:         "amd64",
	IntSize:      8,
	PointerSize:  8,
	MaxInstrSize: 16,
	ByteOrder:    binary.LittleEndian,
}

var X86 = Architecture{
	Name:         "386",
	IntSize:      4,
	PointerSize:  4,
	MaxInstrSize: 16,
	ByteOrder:    binary.LittleEndian,
}

var ARM = Architecture{
	Name:         "arm",
	IntSize:      4,
	PointerSize:  4,
	MaxInstrSize: 4,
	ByteOrder:    binary.LittleEndian,
}

var ARM64 = Architecture{
	Name:         "arm64",
	IntSize:      8,
	PointerSize:  8,
	MaxInstrSize: 8,
	ByteOrder:    binary.LittleEndian,
}

var PPC64 = Architecture{
	Name:         "ppc64",
	IntSize:      8,
	PointerSize:  8,
	MaxInstrSize: 4,
	ByteOrder:    binary.BigEndian,
}

var PPC64LE = Architecture{
	Name:         "ppc64le",
	IntSize:      8,
	PointerSize:  8,
	MaxInstrSize: 4,
	ByteOrder:    binary.LittleEndian,
}

// ByGOARCH maps a Go GOARCH string to its Architecture, for code that
// learns the target's architecture the way the rest of the toolchain does
// (os/exec environment, ELF e_machine translation, etc).
var ByGOARCH = map[string]*Architecture{
	"amd64":   &AMD64,
	"386":     &X86,
	"arm":     &ARM,
	"arm64":   &ARM64,
	"ppc64":   &PPC64,
	"ppc64le": &PPC64LE,
}
