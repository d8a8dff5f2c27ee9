package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fuzzkit/triagecore/internal/config"
	"github.com/fuzzkit/triagecore/internal/counters"
	"github.com/fuzzkit/triagecore/internal/fingerprint"
	"github.com/fuzzkit/triagecore/internal/policy"
	"github.com/fuzzkit/triagecore/internal/sanitizer"
)

// newParseReportCmd implements the offline "sanitizer-report -> fingerprint"
// entry point SPEC_FULL.md's ambient-stack expansion names, for testing
// policies against a saved report without a live target.
func newParseReportCmd(v *viper.Viper) *cobra.Command {
	var reportPath string

	cmd := &cobra.Command{
		Use:   "parse-report",
		Short: "Parse a standalone sanitizer report and print its callstack fingerprint and policy decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfigFile(cmd, v); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return parseReportFile(cfg, reportPath)
		},
	}
	cmd.Flags().StringVar(&reportPath, "file", "", "path to the sanitizer report file")
	cmd.MarkFlagRequired("file")
	config.BindFlags(cmd, v)
	return cmd
}

func parseReportFile(cfg *config.Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("triagecore parse-report: %w", err)
	}
	defer f.Close()

	rep, err := sanitizer.Parse(f)
	if err != nil {
		return fmt.Errorf("triagecore parse-report: %w", err)
	}

	hash := fingerprint.Hash(rep.Frames, fingerprint.Options{
		MajorFrames:      cfg.NumMajorFrames,
		EnableMasking:    true,
		PointerHexDigits: 16,
	})

	pol := policy.New(cfg.SymbolsWhitelist, cfg.SymbolsBlacklist, cfg.HashBlacklist)
	pol.IgnoreAddr = cfg.IgnoreAddr
	decision := policy.Evaluate(policy.Input{
		FaultAddr: rep.FaultAddr,
		Hash:      hash,
		Frames:    rep.Frames,
	}, pol, counters.New(0))

	fmt.Printf("operation=%s fault_addr=0x%x hash=%016x frames=%d decision=%s\n",
		rep.Operation, rep.FaultAddr, hash, len(rep.Frames), decision.Admit)
	return nil
}
