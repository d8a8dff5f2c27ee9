package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fuzzkit/triagecore/internal/counters"
	"github.com/fuzzkit/triagecore/internal/fingerprint"
	"github.com/fuzzkit/triagecore/internal/frame"
	"github.com/fuzzkit/triagecore/internal/policy"
)

// cmdList prints every *.report file in the workspace in lexical order
// of name (crash filenames already embed a hash or timestamp, so lexical
// order is a reasonable default view).
func (s *shell) cmdList() error {
	entries, err := os.ReadDir(s.workDir)
	if err != nil {
		return err
	}
	var reports []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".report") {
			reports = append(reports, e.Name())
		}
	}
	sort.Strings(reports)
	if len(reports) == 0 {
		fmt.Fprintln(s.rl.Stderr(), "(no crash reports found)")
		return nil
	}
	for _, r := range reports {
		fmt.Fprintln(s.rl.Stderr(), r)
	}
	return nil
}

// cmdShow prints one report's raw contents.
func (s *shell) cmdShow(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: show <report>")
	}
	data, err := os.ReadFile(filepath.Join(s.workDir, args[0]))
	if err != nil {
		return err
	}
	fmt.Fprint(s.rl.Stderr(), string(data))
	return nil
}

var (
	stackHashRE = regexp.MustCompile(`^STACK HASH: ([0-9a-fA-F]+)$`)
	frameLineRE = regexp.MustCompile(`^ 0x([0-9a-fA-F]+) \[(.*)\]$`)
	symOffsetRE = regexp.MustCompile(`^(.*) \+ 0x([0-9a-fA-F]+)$`)
)

// parsedReport is the subset of a persisted report cmdRehash needs to
// recompute a fingerprint: the original stack hash and the frame
// sequence it was derived from.
type parsedReport struct {
	OldHash uint64
	Frames  frame.Sequence
}

// parseReportFrames re-derives a frame.Sequence from the STACK: table a
// persisted report ends with (internal/artifact.WriteReport's exact
// output shape), so the shell can recompute a fingerprint without
// re-running the target.
func parseReportFrames(path string) (parsedReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return parsedReport{}, err
	}
	defer f.Close()

	var out parsedReport
	inStack := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if m := stackHashRE.FindStringSubmatch(line); m != nil {
			h, _ := strconv.ParseUint(m[1], 16, 64)
			out.OldHash = h
			continue
		}
		if line == "STACK:" {
			inStack = true
			continue
		}
		if !inStack {
			continue
		}
		m := frameLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pc, _ := strconv.ParseUint(m[1], 16, 64)
		fr := frame.Frame{PC: pc, HasPC: true}
		if sym := symOffsetRE.FindStringSubmatch(m[2]); sym != nil {
			fr.Symbol = sym[1]
			off, _ := strconv.ParseUint(sym[2], 16, 32)
			fr.Offset = uint32(off)
		}
		out.Frames = append(out.Frames, fr)
	}
	return out, sc.Err()
}

// cmdRehash recomputes a report's callstack fingerprint under a
// hypothetical whitelist/blacklist/major-frame-count policy, printing the
// original hash, the recomputed hash, and the decision that policy would
// have made — useful for testing a candidate blacklist entry offline.
func (s *shell) cmdRehash(args []string) error {
	fs := flag.NewFlagSet("rehash", flag.ContinueOnError)
	whitelist := fs.String("whitelist", "", "comma-separated symbol whitelist to test")
	blacklist := fs.String("blacklist", "", "comma-separated symbol blacklist to test")
	hashBlacklist := fs.String("hash-blacklist", "", "comma-separated hex hash blacklist to test")
	majorFrames := fs.Int("major-frames", fingerprint.DefaultMajorFrames, "major-frame count to test")
	if len(args) == 0 {
		return fmt.Errorf("usage: rehash <report> [flags]")
	}
	reportName, rest := args[0], args[1:]
	if err := fs.Parse(rest); err != nil {
		return err
	}

	parsed, err := parseReportFrames(filepath.Join(s.workDir, reportName))
	if err != nil {
		return err
	}

	newHash := fingerprint.Hash(parsed.Frames, fingerprint.Options{
		MajorFrames:      *majorFrames,
		EnableMasking:    true,
		PointerHexDigits: 16,
	})

	pol := policy.New(splitNonEmpty(*whitelist), splitNonEmpty(*blacklist), parseHexList(*hashBlacklist))
	decision := policy.Evaluate(policy.Input{Hash: newHash, Frames: parsed.Frames}, pol, counters.New(0))

	fmt.Fprintf(s.rl.Stderr(), "old_hash=%016x new_hash=%016x frames=%d decision=%s\n",
		parsed.OldHash, newHash, len(parsed.Frames), decision.Admit)
	return nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseHexList(s string) []uint64 {
	if s == "" {
		return nil
	}
	var out []uint64
	for _, tok := range strings.Split(s, ",") {
		h, err := strconv.ParseUint(strings.TrimPrefix(tok, "0x"), 16, 64)
		if err == nil {
			out = append(out, h)
		}
	}
	return out
}
