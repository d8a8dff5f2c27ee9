// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ptrace implements the kernel-debugging facility the crash triage
// core is built on: seizing a process and its tasks (spec 4.B), reading
// registers (spec 4.C) and remote memory (spec 4.D), and enumerating tasks
// (spec 4.A). Every ptrace(2) call for a given process must come from the
// single OS thread that first seized it, so all of it is serialized
// through one dedicated goroutine per process, the same pattern the
// teacher's program/server/ptrace.go uses for its single global tracer
// thread.
package ptrace

import (
	"errors"
	"runtime"
	"syscall"
)

// Executor serializes every ptrace(2) call for one target process onto a
// single, locked OS thread. ptrace(2) requires the calling thread to be the
// one that attached; Go goroutines can otherwise migrate between OS
// threads, so every op must be run as a closure on the executor's thread.
type Executor struct {
	fc chan func() error
	ec chan error
}

// NewExecutor starts the dedicated thread and returns an Executor ready to
// run closures on it. Both channels are unbuffered, exactly like the
// teacher's ptraceRun, "to ensure that the resultant error is sent back to
// the same goroutine that sent the closure" when multiple callers share
// one Executor (spec 5: all ptrace ops for one target are serialized).
func NewExecutor() *Executor {
	e := &Executor{
		fc: make(chan func() error),
		ec: make(chan error),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	runtime.LockOSThread()
	// Deliberately never UnlockOSThread: this goroutine's thread is
	// permanently dedicated to one target process and exits with it.
	for f := range e.fc {
		e.ec <- f()
	}
}

// Do runs f on the executor's dedicated thread and returns its error.
func (e *Executor) Do(f func() error) error {
	e.fc <- f
	return <-e.ec
}

// DoValue runs f, which also produces a value, on the executor's thread.
func DoValue[T any](e *Executor, f func() (T, error)) (T, error) {
	var (
		val T
		err error
	)
	runErr := e.Do(func() error {
		var innerErr error
		val, innerErr = f()
		return innerErr
	})
	if runErr != nil {
		err = runErr
	}
	return val, err
}

// Close stops the executor's dedicated thread. Callers must not use the
// Executor afterward.
func (e *Executor) Close() {
	close(e.fc)
}

// ErrTaskGone reports whether err indicates the target task disappeared
// mid-operation (ESRCH from the kernel), which spec 7 treats as routine
// churn rather than a bug: callers use it to log such a ptrace failure
// distinctly from other failures.
func ErrTaskGone(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
