// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package ptrace

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux kernel ptrace(2) request numbers. Declared locally rather than
// through named golang.org/x/sys/unix wrappers (PtraceSeize, PtraceCont,
// ...) since not every wrapper this package needs is guaranteed present
// across x/sys releases; the raw numeric values are stable across the
// Linux ABI and documented in <linux/ptrace.h>.
const (
	ptraceCont        = 0x7
	ptraceDetach      = 0x11
	ptraceSetOptions  = 0x4200
	ptraceGetEventMsg = 0x4201
	ptraceSeize       = 0x4206
	ptraceInterrupt   = 0x4207
)

// PTRACE_O_* options requested at seize time (spec 4.B: "options
// requesting notification of child creation (clone/fork/vfork) and of
// task exit").
const (
	optTraceFork  = 0x2
	optTraceVFork = 0x4
	optTraceClone = 0x8
	optTraceExit  = 0x40
)

// PtraceEventExit is PTRACE_EVENT_EXIT, the only stop-event the dispatcher
// acts on directly (spec 4.K).
const PtraceEventExit = 6

// seizeOptions is the fixed option set every Attach call requests, per
// spec 4.B step 1.
const seizeOptions = optTraceFork | optTraceVFork | optTraceClone | optTraceExit

func ptraceRaw(request uintptr, pid int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, request, uintptr(pid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// ListTasks implements the Thread Enumerator (spec 4.A): a point-in-time
// snapshot of the task IDs comprising pid, read from /proc/<pid>/task.
// Callers must tolerate tasks that vanish between this call and Seize.
func ListTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("ptrace: process %d has vanished: %w", pid, err)
		}
		return nil, err
	}
	tasks := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tasks = append(tasks, tid)
	}
	sort.Ints(tasks)
	return tasks, nil
}

// Process controls one seized target process and all of its tasks. Every
// ptrace op for this process funnels through a single Executor, since
// ptrace requires the calling thread to match the one that attached.
type Process struct {
	Pid  int
	exec *Executor

	tasks map[int]bool
}

// Attach seizes pid and every task it currently has, per spec 4.B: seize
// the root task first (so clone/fork/vfork/exit notifications start
// flowing before any other task can be missed), then enumerate and seize
// the rest, tolerating per-task failures.
func Attach(pid int) (*Process, error) {
	p := &Process{
		Pid:   pid,
		exec:  NewExecutor(),
		tasks: make(map[int]bool),
	}

	err := p.exec.Do(func() error {
		return ptraceRaw(ptraceSeize, pid, 0, seizeOptions)
	})
	if err != nil {
		p.exec.Close()
		return nil, fmt.Errorf("ptrace: seize root task %d: %w", pid, err)
	}
	p.tasks[pid] = true

	tasks, err := ListTasks(pid)
	if err != nil {
		// The root task is already seized and usable; a
		// vanished-process race here surfaces on the next operation
		// the caller performs (spec 4.B: "the process is usable with
		// partial attach").
		return p, nil
	}
	for _, tid := range tasks {
		if tid == pid {
			continue
		}
		serr := p.exec.Do(func() error {
			return ptraceRaw(ptraceSeize, tid, 0, seizeOptions)
		})
		if serr != nil {
			// spec 4.B: "tolerating per-task failures (log and
			// continue; the process is usable with partial
			// attach)". Logging is the dispatcher's job; here we
			// just skip the task.
			continue
		}
		p.tasks[tid] = true
	}
	return p, nil
}

// Detach releases every task of the process, per spec 4.B: short-circuit
// if the process is already gone, re-enumerate (tasks may have appeared
// since Attach), then interrupt+wait+detach each one.
func (p *Process) Detach() {
	defer p.exec.Close()

	if _, err := os.Stat(fmt.Sprintf("/proc/%d", p.Pid)); os.IsNotExist(err) {
		return
	}

	tasks, err := ListTasks(p.Pid)
	if err != nil {
		tasks = p.TaskIDs()
	}
	for _, tid := range tasks {
		tid := tid
		_ = p.exec.Do(func() error {
			if err := ptraceRaw(ptraceInterrupt, tid, 0, 0); err != nil {
				return err
			}
			if _, err := waitStopped(tid); err != nil {
				return err
			}
			return ptraceRaw(ptraceDetach, tid, 0, 0)
		})
	}
}

// TaskIDs returns the tasks this Process believes are seized, without
// re-reading procfs.
func (p *Process) TaskIDs() []int {
	ids := make([]int, 0, len(p.tasks))
	for tid := range p.tasks {
		ids = append(ids, tid)
	}
	sort.Ints(ids)
	return ids
}

// AdoptTask records a task the kernel auto-attached via a clone/fork event
// (spec 5, "Attach storm"): the dispatcher must tolerate tasks it never
// explicitly seized.
func (p *Process) AdoptTask(tid int) {
	p.tasks[tid] = true
}

// PID returns the seized process's pid, as a method rather than a bare
// field read so internal/worker can depend on an interface instead of
// this concrete type.
func (p *Process) PID() int {
	return p.Pid
}

// Do runs f on this process's dedicated ptrace thread. Exported so
// registers_linux.go and memory_linux.go, which live in the same package, and the
// dispatcher, which does not, share one serialization point per process.
func (p *Process) Do(f func() error) error {
	return p.exec.Do(f)
}

func waitStopped(tid int) (syscall.WaitStatus, error) {
	var status syscall.WaitStatus
	for {
		_, err := syscall.Wait4(tid, &status, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return status, err
		}
		break
	}
	if !status.Stopped() {
		return status, fmt.Errorf("ptrace: task %d terminal status %v is not a stop", tid, status)
	}
	return status, nil
}

// WaitForStop waits for tid to report a stop, retrying on interrupted
// waits and failing on any non-stopped terminal status (spec 4.B).
func WaitForStop(tid int) (syscall.WaitStatus, error) {
	return waitStopped(tid)
}

// Wait performs one blocking wait4 for tid without requiring the result to
// be a stop, used by the dispatcher to observe exits (spec 4.K).
func Wait(tid int) (syscall.WaitStatus, error) {
	var status syscall.WaitStatus
	for {
		_, err := syscall.Wait4(tid, &status, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return status, err
		}
		return status, nil
	}
}

// Continue resumes tid, optionally forwarding a signal.
func (p *Process) Continue(tid int, signal int) error {
	return p.exec.Do(func() error {
		return ptraceRaw(ptraceCont, tid, 0, uintptr(signal))
	})
}

// SetOptions re-applies the seize option set to tid; used when a
// newly-adopted task needs its own event notifications enabled.
func (p *Process) SetOptions(tid int) error {
	return p.exec.Do(func() error {
		return ptraceRaw(ptraceSetOptions, tid, 0, seizeOptions)
	})
}

// GetEventMsg fetches the auxiliary event message (e.g. the exit code for
// a PTRACE_EVENT_EXIT stop), per spec 6.
func (p *Process) GetEventMsg(tid int) (uint64, error) {
	var msg uint64
	err := p.exec.Do(func() error {
		return ptraceRaw(ptraceGetEventMsg, tid, 0, uintptr(unsafe.Pointer(&msg)))
	})
	return msg, err
}

// RecoverExitStatus re-derives the exit code from the terminal wait status
// when GetEventMsg's payload is unavailable or the platform truncates it
// (spec 9's open question on event-message truncation). It performs a
// blocking wait, so callers must only use it once they know the task is
// exiting.
func RecoverExitStatus(tid int) (int, error) {
	status, err := Wait(tid)
	if err != nil {
		return 0, err
	}
	if status.Exited() {
		return status.ExitStatus(), nil
	}
	return 0, fmt.Errorf("ptrace: task %d did not exit normally: %v", tid, status)
}
