//go:build linux

package ptrace

import (
	"encoding/binary"
	"unsafe"
)

const ptraceGetSigInfo = 0x4202

// siginfoBufSize is comfortably larger than any architecture's siginfo_t
// (glibc reserves 128 bytes on every Linux ABI this package supports).
const siginfoBufSize = 128

// SigInfo is the subset of siginfo_t the crash triage core needs to build
// a CrashContext (spec 3): the signal-specific code, the faulting address
// for hardware-raised signals, and whether the signal was user-generated
// rather than fault-raised.
type SigInfo struct {
	Code     int32
	Addr     uint64
	FromUser bool
}

// GetSigInfo reads tid's pending siginfo_t via PTRACE_GETSIGINFO. It must
// be called while tid is stopped on the signal being analyzed.
func (p *Process) GetSigInfo(tid int) (SigInfo, error) {
	buf := make([]byte, siginfoBufSize)
	err := p.exec.Do(func() error {
		return ptraceRaw(ptraceGetSigInfo, tid, 0, uintptr(unsafe.Pointer(&buf[0])))
	})
	if err != nil {
		return SigInfo{}, err
	}
	return decodeSigInfo(buf), nil
}

// decodeSigInfo parses the siginfo_t layout common to every Linux
// architecture this package targets: si_signo, si_errno and si_code are
// the first three 32-bit fields, and si_addr (the fault-address union
// member set for SIGSEGV/SIGBUS/SIGILL/SIGFPE) lands at byte offset 16
// once the kernel's compat padding is accounted for.
func decodeSigInfo(buf []byte) SigInfo {
	if len(buf) < 12 {
		return SigInfo{}
	}
	code := int32(binary.LittleEndian.Uint32(buf[8:12]))
	info := SigInfo{Code: code}
	// POSIX: si_code <= 0 means the signal was queued by a process
	// (SI_USER, SI_QUEUE, ...); positive values are kernel/hardware
	// generated (SEGV_MAPERR, ILL_ILLOPC, ...).
	info.FromUser = code <= 0
	if len(buf) >= 24 {
		info.Addr = binary.LittleEndian.Uint64(buf[16:24])
	}
	return info
}
