// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package ptrace

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ptracePeekText is PTRACE_PEEKTEXT, the word-granular fallback used when
// process_vm_readv is unavailable (old kernel, Yama ptrace_scope, etc.),
// per spec 4.D.
const ptracePeekText = 0x1

// ReadMemory implements the Remote Memory Reader (spec 4.D):
// process_vm_readv first, falling back to word-granular PTRACE_PEEKTEXT
// when the vectored read fails outright. Both paths tolerate a short read
// at the end of a mapped region, per spec 4.D's "partial-read tolerance":
// returning what was read successfully along with the caller's requested
// length so it can decide whether the shortfall matters.
func (p *Process) ReadMemory(tid int, addr uint64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := readProcessVM(p.Pid, addr, buf)
	if err == nil {
		return buf[:n], nil
	}

	n, perr := p.readPeekText(tid, addr, buf)
	if perr != nil && n == 0 {
		return nil, fmt.Errorf("ptrace: read %d bytes at %#x from task %d: process_vm_readv: %v; peektext: %w", length, addr, tid, err, perr)
	}
	return buf[:n], nil
}

func readProcessVM(pid int, addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// readPeekText must run on the process's ptrace thread since PEEKTEXT is a
// ptrace request.
func (p *Process) readPeekText(tid int, addr uint64, buf []byte) (int, error) {
	const wordSize = 8
	var n int
	err := p.exec.Do(func() error {
		for n < len(buf) {
			word, err := ptracePeek(tid, addr+uint64(n))
			if err != nil {
				return err
			}
			remaining := len(buf) - n
			if remaining > wordSize {
				remaining = wordSize
			}
			for i := 0; i < remaining; i++ {
				buf[n+i] = byte(word >> (8 * uint(i)))
			}
			n += remaining
		}
		return nil
	})
	return n, err
}

func ptracePeek(tid int, addr uint64) (uint64, error) {
	var word uint64
	if err := ptraceRaw(ptracePeekText, tid, uintptr(addr), uintptr(unsafe.Pointer(&word))); err != nil {
		return 0, err
	}
	return word, nil
}
