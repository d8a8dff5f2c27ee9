// Command triage-shell is a small REPL over a saved crash workspace: it
// lists captured crashes, prints a report, and can recompute a callstack
// fingerprint under a hypothetical policy, all without re-running the
// target (SPEC_FULL.md §10's home for the teacher's otherwise-unwired
// github.com/chzyer/readline dependency).
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/chzyer/readline"
)

func main() {
	workDir := flag.String("workdir", ".", "crash workspace directory to browse")
	flag.Parse()

	shell, err := newShell(*workDir)
	if err != nil {
		log.Fatalf("triage-shell: %v", err)
	}
	defer shell.Close()

	shell.Run()
}

// shell holds the REPL's state: the workspace directory and the readline
// instance driving input.
type shell struct {
	workDir string
	rl      *readline.Instance
}

func newShell(workDir string) (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "triage> ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("readline init: %w", err)
	}
	return &shell{workDir: workDir, rl: rl}, nil
}

func (s *shell) Close() error {
	return s.rl.Close()
}

// Run drives the read-eval-print loop until EOF or an interrupt.
func (s *shell) Run() {
	fmt.Fprintf(s.rl.Stderr(), "triage-shell: browsing %s (type 'help' for commands)\n", s.workDir)
	for {
		line, err := s.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := s.dispatch(line); err != nil {
			fmt.Fprintf(s.rl.Stderr(), "error: %v\n", err)
		}
	}
}

func (s *shell) dispatch(line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		s.help()
	case "list":
		return s.cmdList()
	case "show":
		return s.cmdShow(args)
	case "rehash":
		return s.cmdRehash(args)
	case "exit", "quit":
		os.Exit(0)
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
	return nil
}

func (s *shell) help() {
	fmt.Fprintln(s.rl.Stderr(), `Commands:
  list                       list captured crash reports
  show <report>              print one report's contents
  rehash <report> [--whitelist=a,b] [--blacklist=c,d] [--major-frames=N]
                             recompute the callstack fingerprint under a
                             hypothetical policy, without touching the target
  exit, quit                 leave the shell`)
}
