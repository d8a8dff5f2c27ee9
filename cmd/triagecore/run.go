package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fuzzkit/triagecore/internal/config"
	"github.com/fuzzkit/triagecore/internal/counters"
	"github.com/fuzzkit/triagecore/internal/policy"
	"github.com/fuzzkit/triagecore/internal/ptrace"
	"github.com/fuzzkit/triagecore/internal/stack"
	"github.com/fuzzkit/triagecore/internal/worker"
)

// newRunCmd implements the "attach + dispatch loop against a live PID"
// entry point named in SPEC_FULL.md's ambient-stack expansion. A second
// invocation with --verifier re-runs the same target as a non-persisting
// verifier worker (glossary, "Verifier worker").
func newRunCmd(v *viper.Viper) *cobra.Command {
	var pid int
	var exePath string
	var verifier bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attach to a running target and triage its crashes until it exits or is interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfigFile(cmd, v); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runTarget(cmd.Context(), cfg, pid, exePath, verifier)
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "process ID of the already-running target to attach to")
	cmd.Flags().StringVar(&exePath, "exe", "", "path to the target executable, for symbol resolution (defaults to /proc/<pid>/exe)")
	cmd.Flags().BoolVar(&verifier, "verifier", false, "run as a verifier worker: analyze crashes without persisting them or counting unique crashes")
	config.BindFlags(cmd, v)
	return cmd
}

func runTarget(ctx context.Context, cfg *config.Config, pid int, exePath string, verifier bool) error {
	if pid <= 0 {
		return fmt.Errorf("triagecore run: --pid is required")
	}
	if exePath == "" {
		exePath = fmt.Sprintf("/proc/%d/exe", pid)
	}

	sym, a, err := stack.Load(exePath)
	if err != nil {
		return fmt.Errorf("triagecore run: load symbols from %s: %w", exePath, err)
	}

	proc, err := ptrace.Attach(pid)
	if err != nil {
		return fmt.Errorf("triagecore run: attach to pid %d: %w", pid, err)
	}
	defer proc.Detach()

	pol := policy.New(cfg.SymbolsWhitelist, cfg.SymbolsBlacklist, cfg.HashBlacklist)
	pol.IgnoreAddr = cfg.IgnoreAddr
	pol.SaveUnique = cfg.SaveUnique
	pol.SaveMaps = cfg.SaveMaps
	pol.DisableRandomization = cfg.DisableRandomization
	pol.DryRun = cfg.DryRun

	g := counters.New(worker.DynFileIterationsMax)

	w := worker.New(cfg, pol, g, sym, a, proc, !verifier)
	w.State.BeginIteration(exePath)

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := worker.Run(runCtx, w); err != nil && runCtx.Err() == nil {
		return fmt.Errorf("triagecore run: %w", err)
	}

	snap := g.Snapshot()
	log.Printf("triagecore: pid=%d crashes=%d unique=%d blacklisted=%d counters-valid=%v",
		pid, snap.Crashes, snap.Unique, snap.Blacklisted, snap.Valid())
	return nil
}
