// Package artifact implements the Artifact Writer (spec 4.J): building a
// fingerprint-encoding filename, copying the triggering input under it
// with exclusive-create semantics, and emitting the sibling ASCII report
// and, optionally, a /proc/<pid>/maps snapshot.
package artifact

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fuzzkit/triagecore/internal/frame"
	"github.com/fuzzkit/triagecore/internal/sanitizer"
)

// Options mirrors the relevant slice of config.Config (spec 6): the
// pieces the writer needs and nothing else.
type Options struct {
	WorkDir  string
	FileExtn string
	SaveMaps bool
}

// Kind distinguishes a signal-raised crash from a sanitizer-reported one;
// the two populate different report fields (spec 6's "SIGNAL *or* EXIT
// CODE, (OPERATION for sanitizer)").
type Kind int

const (
	KindSignal Kind = iota
	KindSanitizer
)

// Report holds every field the persisted report and filename need.
type Report struct {
	OrigFileName string
	FuzzFileName string
	PID          int
	Kind         Kind

	// Signal-path fields.
	SignalName string
	SigCode    int

	// Sanitizer-path fields.
	SanitizerLabel string // "ASAN", "UBSAN", "MSAN" — the filename/report prefix
	ExitCode       int
	Operation      sanitizer.Operation

	FaultAddr   uint64
	Instruction string // absent from filename/report for the sanitizer path
	Hash        uint64
	Frames      frame.Sequence
}

func (r Report) sigOrSan() string {
	if r.Kind == KindSanitizer {
		return r.SanitizerLabel
	}
	return r.SignalName
}

func (r Report) codeField() string {
	if r.Kind == KindSanitizer {
		return string(r.Operation)
	}
	return fmt.Sprintf("%d", r.SigCode)
}

func addrField(addr uint64) string {
	if addr == 0 {
		return "(nil)"
	}
	return fmt.Sprintf("0x%x", addr)
}

// now is overridable in tests so filename generation is deterministic.
var now = time.Now

// BuildFileName implements spec 4.J's three filename cases. pc is the
// (possibly zeroed, per disableRandomization) crashing program counter.
func BuildFileName(opts Options, r Report, effectiveSaveUnique, dryRunVerifier bool, pc uint64) string {
	if dryRunVerifier {
		return filepath.Join(opts.WorkDir, r.OrigFileName)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s.PC.0x%016x.STACK.%x.CODE.%s.ADDR.%s",
		r.sigOrSan(), pc, r.Hash, r.codeField(), addrField(r.FaultAddr))
	if r.Kind != KindSanitizer {
		fmt.Fprintf(&sb, ".INSTR.%s", r.Instruction)
	}
	if !effectiveSaveUnique {
		fmt.Fprintf(&sb, ".%d.%d", now().Unix(), r.PID)
	}
	sb.WriteByte('.')
	sb.WriteString(opts.FileExtn)
	return filepath.Join(opts.WorkDir, sb.String())
}

// WriteReport emits the ASCII, newline-terminated report described in
// spec 6, in the exact key order named there.
func WriteReport(w io.Writer, r Report) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ORIG_FNAME: %s\n", r.OrigFileName)
	fmt.Fprintf(bw, "FUZZ_FNAME: %s\n", r.FuzzFileName)
	fmt.Fprintf(bw, "PID: %d\n", r.PID)
	if r.Kind == KindSanitizer {
		fmt.Fprintf(bw, "EXIT CODE: %d\n", r.ExitCode)
		fmt.Fprintf(bw, "OPERATION: %s\n", r.Operation)
	} else {
		fmt.Fprintf(bw, "SIGNAL: %s\n", r.SignalName)
	}
	fmt.Fprintf(bw, "FAULT ADDRESS: %s\n", addrField(r.FaultAddr))
	if r.Kind != KindSanitizer {
		fmt.Fprintf(bw, "INSTRUCTION: %s\n", r.Instruction)
	}
	fmt.Fprintf(bw, "STACK HASH: %x\n", r.Hash)
	fmt.Fprintln(bw, "STACK:")
	for _, f := range r.Frames {
		symbol := ""
		if f.Symbol != "" {
			symbol = fmt.Sprintf("%s + 0x%x", f.Symbol, f.Offset)
		}
		fmt.Fprintf(bw, " 0x%x [%s]\n", f.PC, symbol)
	}
	return bw.Flush()
}

// CopyFile implements the file-copy primitive spec 4.J delegates to
// (`files_copyFile`): open-with-exclusive-create so two workers racing on
// the same fingerprint-derived name never overwrite each other. existed
// is true when dst was already present, in which case no bytes are
// copied (spec 5, "the copy primitive must detect existence atomically").
func CopyFile(src, dst string) (existed bool, err error) {
	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return true, nil
		}
		return false, err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return false, err
	}
	return false, nil
}

// SnapshotMaps implements the "copyProcMaps" interface (spec 6): a raw
// copy of /proc/<pid>/maps alongside the crash artifact.
func SnapshotMaps(pid int, dst string) error {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// Result reports what Persist actually did, so callers can update
// WorkerState.crashFileName and GlobalCounters per spec 4.J/7.
type Result struct {
	Path       string
	ReportPath string
	MapsPath   string
	Existed    bool
}

// Persist implements the full spec 4.J write path: build the filename,
// copy the input, and — only on a genuinely new file — emit the report
// and optional maps snapshot. On Existed, the caller must clear its
// crashFileName and must not treat this as a new unique crash (spec 4.J,
// 7's "Filename collision" policy, and testable property S2).
func Persist(opts Options, srcPath string, r Report, effectiveSaveUnique, dryRunVerifier bool, pc uint64) (Result, error) {
	dst := BuildFileName(opts, r, effectiveSaveUnique, dryRunVerifier, pc)

	existed, err := CopyFile(srcPath, dst)
	if err != nil {
		return Result{}, fmt.Errorf("artifact: copy %s to %s: %w", srcPath, dst, err)
	}
	if existed {
		return Result{Path: dst, Existed: true}, nil
	}

	stem := strings.TrimSuffix(dst, "."+opts.FileExtn)
	reportPath := stem + ".report"
	rf, err := os.Create(reportPath)
	if err != nil {
		return Result{Path: dst}, fmt.Errorf("artifact: create report %s: %w", reportPath, err)
	}
	defer rf.Close()
	if err := WriteReport(rf, r); err != nil {
		return Result{Path: dst}, fmt.Errorf("artifact: write report %s: %w", reportPath, err)
	}

	result := Result{Path: dst, ReportPath: reportPath}
	if opts.SaveMaps {
		mapsPath := stem + ".maps"
		if err := SnapshotMaps(r.PID, mapsPath); err == nil {
			result.MapsPath = mapsPath
		}
		// A failed maps snapshot is not fatal to the crash capture
		// itself (spec 7 only asks for log-and-continue on write
		// failures); the error is dropped and MapsPath stays empty.
	}
	return result, nil
}
