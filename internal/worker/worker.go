// Package worker ties every crash-triage component into the per-target
// dispatch loop: one Worker supervises one seized target process and its
// tasks, tying attach/registers/memory (internal/ptrace) to disassembly,
// stack collection, fingerprinting, the policy filter and the artifact
// writer, the way demo/ptrace-linux-amd64/main.go's wait()/status-switch
// loop ties a single-target ptrace session together, generalized to a
// context-cancellable, multi-task loop per SPEC_FULL.md's expansion.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/fuzzkit/triagecore/arch"
	"github.com/fuzzkit/triagecore/internal/artifact"
	"github.com/fuzzkit/triagecore/internal/config"
	"github.com/fuzzkit/triagecore/internal/counters"
	"github.com/fuzzkit/triagecore/internal/disasm"
	"github.com/fuzzkit/triagecore/internal/dispatch"
	"github.com/fuzzkit/triagecore/internal/fingerprint"
	"github.com/fuzzkit/triagecore/internal/frame"
	"github.com/fuzzkit/triagecore/internal/policy"
	"github.com/fuzzkit/triagecore/internal/ptrace"
	"github.com/fuzzkit/triagecore/internal/sanitizer"
	"github.com/fuzzkit/triagecore/internal/stack"
)

// DynFileIterationsMax is the dynamic-file countdown reset on every unique
// save (spec 4.J); the exact value is not spec-mandated, so this picks a
// round number large enough not to rotate implausibly often.
const DynFileIterationsMax = 5000

// State is the per-worker, per-iteration scratch spec 3 names: current
// input/output filenames, the last backtrace hash (for the re-entry
// guard), coverage-signal bookkeeping, and the main-worker flag that
// distinguishes the authoritative analyzer from a verifier re-run.
type State struct {
	InputFileName  string
	CrashFileName  string
	LastHash       uint64
	CoverageSignal uint64
	MainWorker     bool
}

// BeginIteration resets per-iteration scratch for a new input file, per
// spec 3's "crashFileName empty <=> no crash persisted this iteration".
func (s *State) BeginIteration(inputFileName string) {
	s.InputFileName = inputFileName
	s.CrashFileName = ""
}

// process is the subset of *ptrace.Process the dispatch loop and crash
// analysis pipeline need, kept as an interface so both can be exercised
// against a fake in tests without a live ptrace target.
type process interface {
	TaskIDs() []int
	SetOptions(tid int) error
	Do(f func() error) error
	GetEventMsg(tid int) (uint64, error)
	Continue(tid, sig int) error
	GetRegs(tid int, a *arch.Architecture) (ptrace.Regs, error)
	GetSigInfo(tid int) (ptrace.SigInfo, error)
	ReadMemory(tid int, addr uint64, length int) ([]byte, error)
	PID() int
}

// Worker supervises one seized target process, per spec 5's "each worker
// supervises one target process; workers do not share target processes".
type Worker struct {
	Process process
	Arch    *arch.Architecture
	Sym     *stack.Symbolizer
	Unwind  stack.Unwinder
	Decoder disasm.Decoder

	Policy   *policy.Set
	Counters *counters.Global
	Cfg      *config.Config
	Logger   *log.Logger

	State State
}

// New builds a Worker around an already-seized process. mainWorker
// selects the authoritative-save path versus the analyze-only verifier
// path (glossary, "Verifier worker").
func New(cfg *config.Config, pol *policy.Set, g *counters.Global, sym *stack.Symbolizer, a *arch.Architecture, proc *ptrace.Process, mainWorker bool) *Worker {
	return &Worker{
		Process:  proc,
		Arch:     a,
		Sym:      sym,
		Unwind:   stack.FramePointerUnwinder{Mem: proc, Sym: sym, Arch: a},
		Decoder:  disasm.New(a),
		Policy:   pol,
		Counters: g,
		Cfg:      cfg,
		Logger:   log.New(os.Stderr, "worker: ", log.LstdFlags),
		State:    State{MainWorker: mainWorker},
	}
}

// Run drives the dispatch loop until the target has no tasks left to wait
// on or ctx is cancelled (spec 5's "surrounding scheduler enforces
// per-iteration wall-clock limits", realized here as context.Context).
func Run(ctx context.Context, w *Worker) error {
	for _, tid := range w.Process.TaskIDs() {
		if err := w.Process.SetOptions(tid); err != nil {
			w.logPtraceErr(tid, "set options", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tid, status, err := w.waitAny()
		if err != nil {
			if errors.Is(err, syscall.ECHILD) {
				return nil
			}
			return fmt.Errorf("worker: wait: %w", err)
		}
		if err := w.handle(tid, status); err != nil {
			return err
		}
	}
}

// waitAny blocks for the next status change from any task belonging to
// this process, run on the process's dedicated ptrace thread since
// wait4's tracer-visibility rules follow the same thread that seized the
// tasks.
func (w *Worker) waitAny() (int, syscall.WaitStatus, error) {
	var status syscall.WaitStatus
	var tid int
	err := w.Process.Do(func() error {
		got, err := syscall.Wait4(-1, &status, 0, nil)
		tid = got
		return err
	})
	return tid, status, err
}

// handle implements spec 4.K's classification and routing.
func (w *Worker) handle(tid int, status syscall.WaitStatus) error {
	switch dispatch.Classify(status) {
	case dispatch.KindStoppedWithEvent:
		return w.handleEventStop(tid, status)
	case dispatch.KindStoppedWithSignal:
		return w.handleSignalStop(tid, status)
	case dispatch.KindContinued:
		return nil
	case dispatch.KindExitedNormally:
		w.handleExit(tid, status.ExitStatus())
		return nil
	case dispatch.KindExitedBySignal:
		return nil
	default:
		return fmt.Errorf("worker: unclassifiable wait status %v for task %d", status, tid)
	}
}

// handleEventStop handles a ptrace event-stop, currently only
// PTRACE_EVENT_EXIT (spec 4.K): fetch the exit message, hand a
// sanitizer-reserved exit code to the sanitizer path, then always
// continue.
func (w *Worker) handleEventStop(tid int, status syscall.WaitStatus) error {
	defer w.continueTask(tid, 0)

	if status.TrapCause() != ptrace.PtraceEventExit {
		return nil
	}

	msg, err := w.Process.GetEventMsg(tid)
	var exitCode int
	haveCode := false
	if err != nil {
		// spec 9's open question: some ABIs truncate the event message;
		// fall back to reaping the task directly.
		code, rerr := ptrace.RecoverExitStatus(tid)
		if rerr != nil {
			w.Logger.Printf("task %d: recover exit status: %v", tid, rerr)
			return nil
		}
		exitCode, haveCode = code, true
	} else if ws := syscall.WaitStatus(uint32(msg)); ws.Exited() {
		exitCode, haveCode = ws.ExitStatus(), true
	}

	if haveCode {
		w.handleExit(tid, exitCode)
	}
	return nil
}

// handleSignalStop handles a signal-delivery stop (spec 4.K): the full
// save path runs for "important" signals, then the signal is forwarded on
// continue so the tracee's own fate (crash, coredump, death) proceeds
// normally.
func (w *Worker) handleSignalStop(tid int, status syscall.WaitStatus) error {
	sig := status.StopSignal()
	if dispatch.ImportantSignal(sig) {
		w.analyzeSignal(tid, sig)
	}
	w.continueTask(tid, int(sig))
	return nil
}

// handleExit runs the sanitizer path (4.H + 4.J) when exitCode is one of
// the reserved sanitizer codes; a plain exit is a no-op (spec 4.K).
func (w *Worker) handleExit(tid int, exitCode int) {
	label, ok := dispatch.SanitizerLabel(exitCode)
	if !ok {
		return
	}
	w.handleSanitizerExit(tid, label, exitCode)
}

func (w *Worker) continueTask(tid, sig int) {
	if err := w.Process.Continue(tid, sig); err != nil {
		w.logPtraceErr(tid, "continue", err)
	}
}

// logPtraceErr logs a ptrace failure, with a message that follows spec 7's
// distinction between routine churn (the task exited mid-operation, ESRCH)
// and an unexpected failure. Both go to the same logger.
func (w *Worker) logPtraceErr(tid int, op string, err error) {
	if ptrace.ErrTaskGone(err) {
		w.Logger.Printf("task %d: %s: task gone: %v", tid, op, err)
		return
	}
	w.Logger.Printf("task %d: %s failed: %v", tid, op, err)
}

// analyzeSignal implements the register/stack/disasm/fingerprint/policy
// pipeline for a signal-raised crash (spec 4.C-4.G, 4.I).
func (w *Worker) analyzeSignal(tid int, sig syscall.Signal) {
	regs, err := w.Process.GetRegs(tid, w.Arch)
	if err != nil {
		// spec 7: unsupported/transient register read failures fail
		// soft — abandon analysis for this event, never propagate.
		w.logPtraceErr(tid, "register read", err)
		return
	}
	info, err := w.Process.GetSigInfo(tid)
	if err != nil {
		w.logPtraceErr(tid, "siginfo read", err)
	}

	frames := w.collectFrames(tid, regs)
	instr := w.decodeInstruction(tid, regs.PC)
	hash := fingerprint.Hash(frames, w.fingerprintOptions(regs))

	pc, faultAddr := regs.PC, info.Addr
	if info.FromUser {
		faultAddr = 0
	}
	if w.Policy.DisableRandomization {
		pc, faultAddr = 0, 0
	}

	decision := policy.Evaluate(policy.Input{
		FromUser:              info.FromUser,
		PC:                    regs.PC,
		FaultAddr:             info.Addr,
		Hash:                  hash,
		Frames:                frames,
		WorkerHasPendingCrash: w.State.CrashFileName != "",
		WorkerLastHash:        w.State.LastHash,
	}, w.Policy, w.Counters)

	if !decision.Admitted() {
		w.Logger.Printf("task %d: crash dropped (%s)", tid, decision.Admit)
		return
	}

	report := artifact.Report{
		OrigFileName: w.State.InputFileName,
		PID:          w.Process.PID(),
		Kind:         artifact.KindSignal,
		SignalName:   dispatch.SignalName(sig),
		SigCode:      int(info.Code),
		FaultAddr:    faultAddr,
		Instruction:  instr,
		Hash:         hash,
		Frames:       frames,
	}

	if !w.State.MainWorker {
		w.Logger.Printf("task %d: verifier re-run, hash=%016x admit=%s", tid, hash, decision.Admit)
		return
	}
	w.persist(pc, decision.SaveUnique, report, hash)
}

// handleSanitizerExit implements 4.H + 4.J for a sanitizer-reserved exit
// code, whether it arrived via an event-exit stop or a plain normal exit.
func (w *Worker) handleSanitizerExit(tid int, label string, exitCode int) {
	rep, err := sanitizer.ReadFile(w.Cfg.WorkDir, w.Cfg.SanitizerLogPrefix, w.Process.PID())
	if err != nil {
		if errors.Is(err, sanitizer.ErrNotYetWritten) {
			// spec 4.H/7: -1 sentinel — leave crashFileName empty so a
			// sibling task's exit finds the report later.
			w.Logger.Printf("task %d: %s exit %d, report not yet written", tid, label, exitCode)
			return
		}
		w.Logger.Printf("task %d: sanitizer report parse failed: %v", tid, err)
		return
	}

	hash := fingerprint.Hash(rep.Frames, fingerprint.Options{
		MajorFrames:      w.Cfg.NumMajorFrames,
		EnableMasking:    w.State.MainWorker,
		HasLinkRegister:  false,
		PointerHexDigits: w.Arch.PointerSize * 2,
	})

	decision := policy.Evaluate(policy.Input{
		FromUser:              false,
		PC:                    0,
		FaultAddr:             rep.FaultAddr,
		Hash:                  hash,
		Frames:                rep.Frames,
		WorkerHasPendingCrash: w.State.CrashFileName != "",
		WorkerLastHash:        w.State.LastHash,
	}, w.Policy, w.Counters)

	if !decision.Admitted() {
		w.Logger.Printf("task %d: sanitizer crash dropped (%s)", tid, decision.Admit)
		return
	}

	report := artifact.Report{
		OrigFileName:   w.State.InputFileName,
		PID:            w.Process.PID(),
		Kind:           artifact.KindSanitizer,
		SanitizerLabel: label,
		ExitCode:       exitCode,
		Operation:      rep.Operation,
		FaultAddr:      rep.FaultAddr,
		Hash:           hash,
		Frames:         rep.Frames,
	}

	if !w.State.MainWorker {
		w.Logger.Printf("task %d: verifier re-run sanitizer crash, hash=%016x admit=%s", tid, hash, decision.Admit)
		return
	}
	w.persist(0, decision.SaveUnique, report, hash)
}

// persist runs the artifact writer and updates worker/global state per
// spec 4.J's file-copy semantics.
func (w *Worker) persist(pc uint64, saveUnique bool, r artifact.Report, hash uint64) {
	effective := policy.EffectiveSaveUnique(saveUnique, hash, len(r.Frames), pc)
	dryRunVerifier := w.Cfg.DryRun && !w.State.MainWorker

	opts := artifact.Options{WorkDir: w.Cfg.WorkDir, FileExtn: w.Cfg.FileExtn, SaveMaps: w.Cfg.SaveMaps}
	result, err := artifact.Persist(opts, w.State.InputFileName, r, effective, dryRunVerifier, pc)
	if err != nil {
		w.Logger.Printf("persist crash: %v", err)
		w.State.CrashFileName = ""
		return
	}
	if result.Existed {
		// spec 4.J: clear crashFileName so the verifier recognises the
		// duplicate; no report is written.
		w.State.CrashFileName = ""
		w.State.LastHash = hash
		return
	}

	w.Counters.AddUnique()
	w.Counters.ResetDynFileIterations(DynFileIterationsMax)
	w.State.CrashFileName = result.Path
	w.State.LastHash = hash
}

func (w *Worker) collectFrames(tid int, regs ptrace.Regs) frame.Sequence {
	fp := regs.FramePointer(w.Arch)
	return w.Unwind.Unwind(tid, regs.PC, fp, frame.MaxFuncs).Truncate()
}

func (w *Worker) decodeInstruction(tid int, pc uint64) string {
	if pc == 0 {
		return disasm.Unknown
	}
	code, err := w.Process.ReadMemory(tid, pc, w.Arch.MaxInstrSize)
	if err != nil || len(code) == 0 {
		return disasm.NotMapped
	}
	text, _ := w.Decoder.Decode(code, pc)
	return disasm.Sanitize(text)
}

func (w *Worker) fingerprintOptions(regs ptrace.Regs) fingerprint.Options {
	hasLR := w.Arch.Name == "arm" || w.Arch.Name == "arm64"
	return fingerprint.Options{
		MajorFrames:      w.Cfg.NumMajorFrames,
		EnableMasking:    w.State.MainWorker,
		LinkRegister:     regs.LinkRegister,
		HaveLinkRegister: regs.HasLinkRegister,
		HasLinkRegister:  hasLR,
		PointerHexDigits: w.Arch.PointerSize * 2,
	}
}
