// Package config implements the Configuration struct spec 6 names,
// loaded once at startup and never mutated afterward (spec 3's
// "runtime-immutable Policies"), layered through cobra flags and viper
// the way weichslgartner-cifuzz layers its libFuzzer adapter config.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the immutable, post-startup configuration named in spec 6.
type Config struct {
	WorkDir  string
	FileExtn string

	NumMajorFrames       int
	SaveUnique           bool
	SaveMaps             bool
	DisableRandomization bool
	FlipRate             float64
	UseVerifier          bool
	UseSanCov            bool
	DryRun               bool

	SymbolsWhitelist []string
	SymbolsBlacklist []string
	HashBlacklist    []uint64
	IgnoreAddr       *uint64

	// SanitizerLogPrefix names the <workDir>/<prefix>.<pid> report file
	// the sanitizer-report parser (spec 4.H) looks for.
	SanitizerLogPrefix string
}

// BindFlags registers every Config field as a cobra flag on cmd and binds
// it into v, so precedence follows viper's usual flag > env > file >
// default order.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	flags.String("workdir", ".", "directory crash artifacts and reports are written to")
	flags.String("file-extn", "fuzz", "extension appended to crash artifact filenames")
	flags.Int("major-frames", 7, "number of leading stack frames used for fingerprinting")
	flags.Bool("save-unique", true, "encode the callstack fingerprint into crash filenames")
	flags.Bool("save-maps", false, "snapshot /proc/<pid>/maps alongside each crash artifact")
	flags.Bool("disable-randomization", false, "zero PC and fault address before naming, to merge ASLR-permuted duplicates")
	flags.Float64("flip-rate", 0, "bit-flip mutation rate used by the surrounding fuzzer (informational)")
	flags.Bool("use-verifier", false, "run a second, non-authoritative pass over each crash to confirm reproducibility")
	flags.Bool("use-sancov", false, "expect the target to have been built with sanitizer coverage instrumentation")
	flags.Bool("dry-run", false, "preserve original input filenames instead of writing fingerprint-encoded artifacts")
	flags.StringSlice("symbols-whitelist", nil, "backtraces containing any of these substrings are always saved, bypassing blacklists")
	flags.StringSlice("symbols-blacklist", nil, "backtraces containing any of these substrings are dropped")
	flags.StringSlice("hash-blacklist", nil, "hex-encoded callstack hashes to drop silently")
	flags.String("ignore-addr", "", "hex fault address threshold below which kernel-raised signals are suppressed")
	flags.String("sanitizer-log-prefix", "ASAN", "basename prefix of the per-pid sanitizer report file in workdir")

	for _, name := range []string{
		"workdir", "file-extn", "major-frames", "save-unique", "save-maps",
		"disable-randomization", "flip-rate", "use-verifier", "use-sancov",
		"dry-run", "symbols-whitelist", "symbols-blacklist", "hash-blacklist",
		"ignore-addr", "sanitizer-log-prefix",
	} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("config: bind flag %q: %v", name, err))
		}
	}
}

// Load resolves v's current settings into a Config, parsing the
// hex-encoded hash blacklist and ignore-address fields (spec 3's
// "sorted, binary-searchable" hash blacklist is realized in
// internal/policy.New, which sorts whatever Load hands it here).
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		WorkDir:              v.GetString("workdir"),
		FileExtn:             v.GetString("file-extn"),
		NumMajorFrames:       v.GetInt("major-frames"),
		SaveUnique:           v.GetBool("save-unique"),
		SaveMaps:             v.GetBool("save-maps"),
		DisableRandomization: v.GetBool("disable-randomization"),
		FlipRate:             v.GetFloat64("flip-rate"),
		UseVerifier:          v.GetBool("use-verifier"),
		UseSanCov:            v.GetBool("use-sancov"),
		DryRun:               v.GetBool("dry-run"),
		SymbolsWhitelist:     v.GetStringSlice("symbols-whitelist"),
		SymbolsBlacklist:     v.GetStringSlice("symbols-blacklist"),
		SanitizerLogPrefix:   v.GetString("sanitizer-log-prefix"),
	}
	if cfg.NumMajorFrames < 1 {
		return nil, fmt.Errorf("config: major-frames must be >= 1, got %d", cfg.NumMajorFrames)
	}

	for _, raw := range v.GetStringSlice("hash-blacklist") {
		h, err := parseHash(raw)
		if err != nil {
			return nil, fmt.Errorf("config: hash-blacklist entry %q: %w", raw, err)
		}
		cfg.HashBlacklist = append(cfg.HashBlacklist, h)
	}

	if raw := v.GetString("ignore-addr"); raw != "" {
		addr, err := parseHash(raw)
		if err != nil {
			return nil, fmt.Errorf("config: ignore-addr %q: %w", raw, err)
		}
		cfg.IgnoreAddr = &addr
	}

	return cfg, nil
}

func parseHash(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0X"), "0x")
	return strconv.ParseUint(s, 16, 64)
}
