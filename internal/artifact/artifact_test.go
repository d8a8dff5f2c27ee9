package artifact

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fuzzkit/triagecore/internal/frame"
	"github.com/fuzzkit/triagecore/internal/sanitizer"
)

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func TestBuildFileNameUniqueMode(t *testing.T) {
	restore := now
	now = fixedNow
	defer func() { now = restore }()

	r := Report{
		Kind:        KindSignal,
		SignalName:  "SIGSEGV",
		SigCode:     1,
		FaultAddr:   0,
		Instruction: "nop",
		Hash:        0xdeadbeef,
		PID:         42,
	}
	opts := Options{WorkDir: "/tmp/work", FileExtn: "fuzz"}
	name := BuildFileName(opts, r, true, false, 0x4011a0)
	want := "/tmp/work/SIGSEGV.PC.0x00000000004011a0.STACK.deadbeef.CODE.1.ADDR.(nil).INSTR.nop.fuzz"
	if name != want {
		t.Errorf("BuildFileName = %q, want %q", name, want)
	}
}

func TestBuildFileNameFallbackAppendsTimestampAndPID(t *testing.T) {
	restore := now
	now = fixedNow
	defer func() { now = restore }()

	r := Report{Kind: KindSignal, SignalName: "SIGSEGV", SigCode: 1, PID: 99}
	opts := Options{WorkDir: "/tmp/work", FileExtn: "fuzz"}
	name := BuildFileName(opts, r, false, false, 0x1000)
	if !strings.HasSuffix(name, ".1700000000.99.fuzz") {
		t.Errorf("BuildFileName = %q, want a timestamp+pid suffix", name)
	}
}

func TestBuildFileNameDryRunVerifierPreservesOriginalName(t *testing.T) {
	r := Report{OrigFileName: "input-0001"}
	opts := Options{WorkDir: "/tmp/work", FileExtn: "fuzz"}
	name := BuildFileName(opts, r, true, true, 0x1000)
	want := "/tmp/work/input-0001"
	if name != want {
		t.Errorf("BuildFileName = %q, want %q", name, want)
	}
}

func TestBuildFileNameSanitizerPathOmitsInstruction(t *testing.T) {
	r := Report{
		Kind:           KindSanitizer,
		SanitizerLabel: "ASAN",
		Operation:      sanitizer.OpRead,
		FaultAddr:      0x1234,
		Hash:           7,
		PID:            1,
	}
	opts := Options{WorkDir: "/w", FileExtn: "fuzz"}
	name := BuildFileName(opts, r, true, false, 0x500000)
	if strings.Contains(name, "INSTR") {
		t.Errorf("BuildFileName = %q, must not contain an INSTR segment for the sanitizer path", name)
	}
	if !strings.Contains(name, "ASAN.PC") || !strings.Contains(name, "CODE.READ") {
		t.Errorf("BuildFileName = %q, missing expected sanitizer fields", name)
	}
}

func TestWriteReportFieldOrderSignalPath(t *testing.T) {
	var buf bytes.Buffer
	r := Report{
		OrigFileName: "orig",
		FuzzFileName: "fuzz-1",
		PID:          7,
		Kind:         KindSignal,
		SignalName:   "SIGSEGV",
		FaultAddr:    0x10,
		Instruction:  "mov %rax, %rbx",
		Hash:         99,
		Frames: frame.Sequence{
			{PC: 0x400000, Symbol: "main", Offset: 0x10},
			{PC: 0x400100},
		},
	}
	if err := WriteReport(&buf, r); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	out := buf.String()
	orderedKeys := []string{"ORIG_FNAME:", "FUZZ_FNAME:", "PID:", "SIGNAL:", "FAULT ADDRESS:", "INSTRUCTION:", "STACK HASH:", "STACK:"}
	lastIdx := -1
	for _, key := range orderedKeys {
		idx := strings.Index(out, key)
		if idx == -1 {
			t.Fatalf("report missing key %q:\n%s", key, out)
		}
		if idx <= lastIdx {
			t.Fatalf("key %q out of order:\n%s", key, out)
		}
		lastIdx = idx
	}
	if !strings.Contains(out, "main + 0x10") {
		t.Errorf("expected symbolized frame line, got:\n%s", out)
	}
	if !strings.Contains(out, "0x400100 []") {
		t.Errorf("expected empty-bracket unsymbolized frame line, got:\n%s", out)
	}
}

func TestWriteReportSanitizerPathOmitsInstructionKey(t *testing.T) {
	var buf bytes.Buffer
	r := Report{Kind: KindSanitizer, SanitizerLabel: "ASAN", ExitCode: 77, Operation: sanitizer.OpWrite}
	if err := WriteReport(&buf, r); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "INSTRUCTION:") {
		t.Errorf("sanitizer report must not contain INSTRUCTION:\n%s", out)
	}
	if !strings.Contains(out, "EXIT CODE: 77") || !strings.Contains(out, "OPERATION: WRITE") {
		t.Errorf("missing expected sanitizer fields:\n%s", out)
	}
}

func TestCopyFileDetectsExistingDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("already here"), 0644); err != nil {
		t.Fatal(err)
	}
	existed, err := CopyFile(src, dst)
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if !existed {
		t.Errorf("expected existed=true")
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "already here" {
		t.Errorf("CopyFile must not overwrite an existing destination, got %q", data)
	}
}

func TestCopyFileCreatesNewDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	existed, err := CopyFile(src, dst)
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if existed {
		t.Errorf("expected existed=false for a fresh destination")
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "payload" {
		t.Errorf("dst content = %q, %v; want %q, nil", data, err, "payload")
	}
}

func TestPersistWritesArtifactReportAndMaps(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "input")
	if err := os.WriteFile(src, []byte("crashing input"), 0644); err != nil {
		t.Fatal(err)
	}
	opts := Options{WorkDir: dir, FileExtn: "fuzz", SaveMaps: true}
	r := Report{Kind: KindSignal, SignalName: "SIGSEGV", PID: os.Getpid(), Hash: 5}
	result, err := Persist(opts, src, r, true, false, 0x1000)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if result.Existed {
		t.Errorf("expected a fresh artifact")
	}
	if _, err := os.Stat(result.Path); err != nil {
		t.Errorf("artifact not written: %v", err)
	}
	if _, err := os.Stat(result.ReportPath); err != nil {
		t.Errorf("report not written: %v", err)
	}
	if result.MapsPath == "" {
		t.Errorf("expected a maps snapshot path since SaveMaps was set")
	} else if _, err := os.Stat(result.MapsPath); err != nil {
		t.Errorf("maps snapshot not written: %v", err)
	}
}

func TestPersistOnCollisionSkipsReport(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "input")
	os.WriteFile(src, []byte("data"), 0644)
	opts := Options{WorkDir: dir, FileExtn: "fuzz"}
	r := Report{Kind: KindSignal, SignalName: "SIGSEGV", PID: 1, Hash: 5}

	first, err := Persist(opts, src, r, true, false, 0x1000)
	if err != nil {
		t.Fatalf("first Persist: %v", err)
	}
	second, err := Persist(opts, src, r, true, false, 0x1000)
	if err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	if !second.Existed {
		t.Fatalf("expected the second identical crash to collide")
	}
	if second.Path != first.Path {
		t.Errorf("collision should target the same path: %q vs %q", first.Path, second.Path)
	}
	if second.ReportPath != "" {
		t.Errorf("no report should be written on collision")
	}
}
