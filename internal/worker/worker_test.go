package worker

import (
	"log"
	"os"
	"syscall"
	"testing"

	"github.com/fuzzkit/triagecore/arch"
	"github.com/fuzzkit/triagecore/internal/artifact"
	"github.com/fuzzkit/triagecore/internal/config"
	"github.com/fuzzkit/triagecore/internal/counters"
	"github.com/fuzzkit/triagecore/internal/disasm"
	"github.com/fuzzkit/triagecore/internal/frame"
	"github.com/fuzzkit/triagecore/internal/policy"
	"github.com/fuzzkit/triagecore/internal/ptrace"
	"github.com/fuzzkit/triagecore/internal/stack"
)

// fakeProcess implements the process interface without a live ptrace
// target, so handle()'s full signal-stop path can run against canned
// register/siginfo data.
type fakeProcess struct {
	pid    int
	regs   ptrace.Regs
	info   ptrace.SigInfo
	regErr error
}

func (f *fakeProcess) TaskIDs() []int                          { return []int{f.pid} }
func (f *fakeProcess) SetOptions(tid int) error                { return nil }
func (f *fakeProcess) Do(fn func() error) error                { return fn() }
func (f *fakeProcess) GetEventMsg(tid int) (uint64, error)     { return 0, nil }
func (f *fakeProcess) Continue(tid, sig int) error             { return nil }
func (f *fakeProcess) GetRegs(tid int, a *arch.Architecture) (ptrace.Regs, error) {
	return f.regs, f.regErr
}
func (f *fakeProcess) GetSigInfo(tid int) (ptrace.SigInfo, error) { return f.info, nil }
func (f *fakeProcess) ReadMemory(tid int, addr uint64, length int) ([]byte, error) {
	return nil, nil
}
func (f *fakeProcess) PID() int { return f.pid }

// fakeUnwinder always returns the same single-frame stack, so the test
// does not depend on FramePointerUnwinder's memory-walking behavior.
type fakeUnwinder struct{}

func (fakeUnwinder) Unwind(tid int, pc, sp uint64, maxFrames int) frame.Sequence {
	return frame.Sequence{{PC: pc, HasPC: true}}
}

func TestStateBeginIterationResetsCrashFileName(t *testing.T) {
	s := State{InputFileName: "old-input", CrashFileName: "old-crash", MainWorker: true}
	s.BeginIteration("new-input")
	if s.InputFileName != "new-input" {
		t.Errorf("InputFileName = %q, want %q", s.InputFileName, "new-input")
	}
	if s.CrashFileName != "" {
		t.Errorf("CrashFileName = %q, want empty", s.CrashFileName)
	}
}

func newTestWorker(t *testing.T, workDir string, mainWorker bool) *Worker {
	t.Helper()
	return &Worker{
		Arch:     &arch.AMD64,
		Counters: counters.New(DynFileIterationsMax),
		Cfg: &config.Config{
			WorkDir:  workDir,
			FileExtn: "fuzz",
		},
		Logger: log.New(os.Stderr, "worker-test: ", 0),
		State:  State{MainWorker: mainWorker},
	}
}

func TestPersistWritesUniqueArtifactAndUpdatesCounters(t *testing.T) {
	dir := t.TempDir()
	src := dir + "/input"
	if err := os.WriteFile(src, []byte("crashing input"), 0644); err != nil {
		t.Fatal(err)
	}

	w := newTestWorker(t, dir, true)
	w.State.BeginIteration(src)

	r := artifact.Report{
		OrigFileName: src,
		PID:          os.Getpid(),
		Kind:         artifact.KindSignal,
		SignalName:   "SIGSEGV",
		Hash:         0xabc,
		Frames:       frame.Sequence{{PC: 0x400000, HasPC: true}},
	}
	w.persist(0x400000, true, r, 0xabc)

	if w.State.CrashFileName == "" {
		t.Errorf("expected CrashFileName to be set after a fresh save")
	}
	if got := w.Counters.Unique(); got != 1 {
		t.Errorf("Unique() = %d, want 1", got)
	}
	if w.State.LastHash != 0xabc {
		t.Errorf("LastHash = %#x, want 0xabc", w.State.LastHash)
	}
}

func TestPersistOnCollisionClearsCrashFileName(t *testing.T) {
	dir := t.TempDir()
	src := dir + "/input"
	os.WriteFile(src, []byte("data"), 0644)

	w := newTestWorker(t, dir, true)
	w.State.BeginIteration(src)
	r := artifact.Report{OrigFileName: src, PID: 1, Kind: artifact.KindSignal, SignalName: "SIGSEGV", Hash: 5}

	w.persist(0x1000, true, r, 5)
	if w.State.CrashFileName == "" {
		t.Fatalf("first persist should have set CrashFileName")
	}

	w.persist(0x1000, true, r, 5)
	if w.State.CrashFileName != "" {
		t.Errorf("expected CrashFileName cleared on collision, got %q", w.State.CrashFileName)
	}
	if got := w.Counters.Unique(); got != 1 {
		t.Errorf("Unique() = %d, want 1 (collision must not double-count)", got)
	}
}

func TestFingerprintOptionsHasLinkRegisterOnARM(t *testing.T) {
	w := &Worker{Arch: &arch.ARM, Cfg: &config.Config{NumMajorFrames: 7}}
	opts := w.fingerprintOptions(ptrace.Regs{LinkRegister: 0x123, HasLinkRegister: true})
	if !opts.HasLinkRegister {
		t.Errorf("expected HasLinkRegister true for arm")
	}
	if !opts.HaveLinkRegister {
		t.Errorf("expected HaveLinkRegister true when regs carry one")
	}
}

func TestFingerprintOptionsNoLinkRegisterOnAMD64(t *testing.T) {
	w := &Worker{Arch: &arch.AMD64, Cfg: &config.Config{NumMajorFrames: 7}}
	opts := w.fingerprintOptions(ptrace.Regs{})
	if opts.HasLinkRegister {
		t.Errorf("expected HasLinkRegister false for amd64")
	}
}

func TestCollectFramesEmptyForZeroPC(t *testing.T) {
	w := &Worker{Arch: &arch.AMD64, Unwind: stack.FramePointerUnwinder{Arch: &arch.AMD64}}
	frames := w.collectFrames(1234, ptrace.Regs{})
	if len(frames) != 0 {
		t.Errorf("collectFrames with zero PC = %+v, want an empty sequence", frames)
	}
}

func TestDecodeInstructionUnknownForZeroPC(t *testing.T) {
	w := &Worker{Arch: &arch.AMD64}
	if got := w.decodeInstruction(0, 0); got != "[UNKNOWN]" {
		t.Errorf("decodeInstruction(0) = %q, want [UNKNOWN]", got)
	}
}

// TestHandleSignalStopSavesCrash drives handle() through the real dispatch
// path (Classify -> handleSignalStop -> analyzeSignal -> persist) with a
// SIGSEGV-shaped syscall.WaitStatus, the case dispatch.Classify's TrapCause
// mishandling used to route to handleEventStop instead and drop entirely.
func TestHandleSignalStopSavesCrash(t *testing.T) {
	dir := t.TempDir()
	src := dir + "/input"
	if err := os.WriteFile(src, []byte("crashing input"), 0644); err != nil {
		t.Fatal(err)
	}

	w := newTestWorker(t, dir, true)
	w.State.BeginIteration(src)
	w.Policy = policy.New(nil, nil, nil)
	w.Policy.SaveUnique = true
	w.Unwind = fakeUnwinder{}
	w.Decoder = disasm.New(&arch.AMD64)
	w.Process = &fakeProcess{
		pid:  4242,
		regs: ptrace.Regs{PC: 0x401000},
		info: ptrace.SigInfo{Code: 1, Addr: 0x401000, FromUser: false},
	}

	// A SIGSEGV delivery stop: WSTOPPED with SIGSEGV as the stop signal,
	// carrying no ptrace event (TrapCause returns -1 for a non-SIGTRAP
	// stop signal).
	status := syscall.WaitStatus(int(syscall.SIGSEGV)<<8 | 0x7f)
	if !status.Stopped() {
		t.Fatalf("constructed status %v is not a stop", status)
	}
	if status.StopSignal() != syscall.SIGSEGV {
		t.Fatalf("constructed status %v has stop signal %v, want SIGSEGV", status, status.StopSignal())
	}

	if err := w.handle(4242, status); err != nil {
		t.Fatalf("handle() = %v, want nil", err)
	}

	if w.State.CrashFileName == "" {
		t.Fatalf("expected handle() to run analyzeSignal/persist and set CrashFileName, got empty")
	}
	if got := w.Counters.Unique(); got != 1 {
		t.Errorf("Unique() = %d, want 1", got)
	}
}
