// Package policy implements the dedup and admission decision tree that
// decides whether a crash is novel, whitelisted, blacklisted or a
// duplicate of one this worker just saved (spec 4.I).
package policy

import (
	"sort"

	"github.com/fuzzkit/triagecore/internal/counters"
	"github.com/fuzzkit/triagecore/internal/frame"
)

// Set holds the runtime-immutable policy configuration loaded once at
// startup (spec 3, "Policies"). It must not be mutated after New returns;
// concurrent reads from many workers are safe without additional locking
// because nothing here ever changes.
type Set struct {
	symbolWhitelist []string
	symbolBlacklist []string
	hashBlacklist   []uint64 // kept sorted for binary search

	// IgnoreAddr suppresses fault-generated crashes below this address
	// (spec 4.I step 1). Nil disables the check.
	IgnoreAddr *uint64

	SaveUnique           bool
	SaveMaps             bool
	DisableRandomization bool
	DryRun               bool
}

// New builds a Set, sorting the hash blacklist once so Evaluate can binary
// search it (spec 3: "sorted, binary-searchable").
func New(symbolWhitelist, symbolBlacklist []string, hashBlacklist []uint64) *Set {
	sorted := append([]uint64(nil), hashBlacklist...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &Set{
		symbolWhitelist: append([]string(nil), symbolWhitelist...),
		symbolBlacklist: append([]string(nil), symbolBlacklist...),
		hashBlacklist:   sorted,
	}
}

func (s *Set) hashBlacklisted(h uint64) bool {
	i := sort.Search(len(s.hashBlacklist), func(i int) bool { return s.hashBlacklist[i] >= h })
	return i < len(s.hashBlacklist) && s.hashBlacklist[i] == h
}

func (s *Set) whitelistedSymbol(frames frame.Sequence) bool {
	for _, sym := range s.symbolWhitelist {
		if frames.ContainsSubstring(sym) {
			return true
		}
	}
	return false
}

func (s *Set) blacklistedSymbol(frames frame.Sequence) bool {
	for _, sym := range s.symbolBlacklist {
		if frames.ContainsSubstring(sym) {
			return true
		}
	}
	return false
}

// Input is everything Evaluate needs about one crash event.
type Input struct {
	// FromUser is true when the signal was user-generated (SI_FROMUSER)
	// rather than fault-raised.
	FromUser bool
	PC       uint64
	FaultAddr uint64
	Hash     uint64
	Frames   frame.Sequence

	// WorkerHasPendingCrash and WorkerLastHash implement the re-entry
	// guard (spec 4.I): a worker that already persisted a crash this
	// iteration silently drops a second event carrying the same hash,
	// since it is almost certainly a sibling task hitting the same bug.
	WorkerHasPendingCrash bool
	WorkerLastHash        uint64
}

// Reason names why a crash was or wasn't admitted, for logging.
type Reason string

const (
	ReasonDuplicateTask Reason = "duplicate-task-this-iteration"
	ReasonIgnoredAddr   Reason = "fault-addr-below-ignore-threshold"
	ReasonWhitelisted   Reason = "whitelisted-symbol"
	ReasonHashBlacklist Reason = "hash-blacklisted"
	ReasonSymBlacklist  Reason = "symbol-blacklisted"
	ReasonAdmitted      Reason = "admitted"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Admit Reason
	// SaveUnique is the effective save-unique flag to use when
	// persisting this crash: forced false when a whitelisted symbol is
	// present, otherwise the policy's configured value.
	SaveUnique bool
}

func (d Decision) Admitted() bool { return d.Admit == ReasonAdmitted || d.Admit == ReasonWhitelisted }

// Evaluate runs the spec 4.I decision tree and updates g accordingly. The
// re-entry guard and the ignore-address pre-filter never touch g's
// counters at all ("dropped silently" / "no counter increments beyond
// skip"); every event that reaches the whitelist/blacklist tree increments
// g's total crash count exactly once, before the tree's own increments.
func Evaluate(in Input, s *Set, g *counters.Global) Decision {
	if in.WorkerHasPendingCrash && in.Hash == in.WorkerLastHash {
		return Decision{Admit: ReasonDuplicateTask}
	}

	if !in.FromUser && in.PC != 0 && s.IgnoreAddr != nil && in.FaultAddr < *s.IgnoreAddr {
		return Decision{Admit: ReasonIgnoredAddr}
	}

	g.AddCrash()

	if s.whitelistedSymbol(in.Frames) {
		return Decision{Admit: ReasonWhitelisted, SaveUnique: false}
	}

	if s.hashBlacklisted(in.Hash) {
		g.AddBlacklisted()
		return Decision{Admit: ReasonHashBlacklist}
	}

	if s.blacklistedSymbol(in.Frames) {
		g.AddBlacklisted()
		return Decision{Admit: ReasonSymBlacklist}
	}

	return Decision{Admit: ReasonAdmitted, SaveUnique: s.SaveUnique}
}

// EffectiveSaveUnique implements spec 3's collision-safety invariant: a
// fingerprint-encoding filename is safe only when saveUnique is true AND
// the hash is non-zero. Everything else falls back to the
// timestamp+PID-suffixed name.
func EffectiveSaveUnique(saveUnique bool, hash uint64, frameCount int, pc uint64) bool {
	if !saveUnique {
		return false
	}
	if hash == 0 {
		return false
	}
	// Spec 3: "If frame count is zero and PC is zero, no fingerprint may
	// be used for uniqueness decisions."
	if frameCount == 0 && pc == 0 {
		return false
	}
	return true
}
