// Command triagecore attaches to a fuzzing target and turns its crashes
// into deduplicated, symbolized artifacts on disk. Run "triagecore help"
// for a list of commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TRIAGECORE")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "triagecore",
		Short: "Crash triage and deduplication core for a coverage-guided fuzzing harness",
	}
	root.PersistentFlags().String("config", "", "path to a YAML/TOML/JSON config file layered under flags and TRIAGECORE_* env vars")

	root.AddCommand(newRunCmd(v))
	root.AddCommand(newParseReportCmd(v))
	return root
}

// loadConfigFile reads --config into v, if set, before flags are resolved
// into a config.Config. Absent is not an error: flags/env/defaults alone
// are a valid configuration, per SPEC_FULL.md's cobra+viper layering.
func loadConfigFile(cmd *cobra.Command, v *viper.Viper) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil || path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("triagecore: read config %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
