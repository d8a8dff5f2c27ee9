package policy

import (
	"testing"

	"github.com/fuzzkit/triagecore/internal/counters"
	"github.com/fuzzkit/triagecore/internal/frame"
)

func addr(v uint64) *uint64 { return &v }

func TestEvaluateAdmitsPlainCrash(t *testing.T) {
	s := New(nil, nil, nil)
	g := counters.New(0)
	d := Evaluate(Input{PC: 0x4011a0, Hash: 0xabc, FaultAddr: 0}, s, g)
	if !d.Admitted() {
		t.Fatalf("expected admission, got %v", d.Admit)
	}
	if g.Crashes() != 1 {
		t.Errorf("Crashes = %d, want 1", g.Crashes())
	}
}

func TestEvaluateHashBlacklist(t *testing.T) {
	s := New(nil, nil, []uint64{0x1, 0x2, 0xdead})
	g := counters.New(0)
	d := Evaluate(Input{PC: 1, Hash: 0xdead}, s, g)
	if d.Admitted() {
		t.Fatalf("expected drop, got admitted")
	}
	if d.Admit != ReasonHashBlacklist {
		t.Errorf("Admit = %v, want ReasonHashBlacklist", d.Admit)
	}
	if g.Blacklisted() != 1 {
		t.Errorf("Blacklisted = %d, want 1", g.Blacklisted())
	}
	if g.Crashes() != 1 {
		t.Errorf("Crashes = %d, want 1 (blacklist still counts as triaged)", g.Crashes())
	}
}

func TestEvaluateSymbolBlacklist(t *testing.T) {
	s := New(nil, []string{"libc_malloc_internal"}, nil)
	g := counters.New(0)
	frames := frame.Sequence{{Symbol: "libc_malloc_internal+0x10", HasPC: true}}
	d := Evaluate(Input{PC: 1, Hash: 5, Frames: frames}, s, g)
	if d.Admitted() {
		t.Fatalf("expected drop for blacklisted symbol")
	}
	if g.Blacklisted() != 1 {
		t.Errorf("Blacklisted = %d, want 1", g.Blacklisted())
	}
}

func TestEvaluateWhitelistSkipsBlacklistAndForcesTimestamped(t *testing.T) {
	s := New([]string{"my_fuzz_entry"}, nil, []uint64{5})
	s.SaveUnique = true
	g := counters.New(0)
	frames := frame.Sequence{
		{Symbol: "unrelated", HasPC: true},
		{Symbol: "my_fuzz_entry+0x4", HasPC: true},
	}
	d := Evaluate(Input{PC: 1, Hash: 5, Frames: frames}, s, g)
	if d.Admit != ReasonWhitelisted {
		t.Fatalf("Admit = %v, want ReasonWhitelisted (hash 5 is blacklisted but should be skipped)", d.Admit)
	}
	if d.SaveUnique {
		t.Errorf("whitelisted crash must force SaveUnique=false")
	}
	if g.Blacklisted() != 0 {
		t.Errorf("blacklist checks must be skipped once whitelisted, got Blacklisted=%d", g.Blacklisted())
	}
}

func TestEvaluateIgnoreAddrSuppressesWithoutCounting(t *testing.T) {
	s := New(nil, nil, nil)
	s.IgnoreAddr = addr(0x1000)
	g := counters.New(0)
	d := Evaluate(Input{FromUser: false, PC: 1, FaultAddr: 0x10, Hash: 9}, s, g)
	if d.Admitted() {
		t.Fatalf("expected suppression below ignore threshold")
	}
	if d.Admit != ReasonIgnoredAddr {
		t.Errorf("Admit = %v, want ReasonIgnoredAddr", d.Admit)
	}
	if g.Crashes() != 0 || g.Blacklisted() != 0 {
		t.Errorf("expected zero counter increments, got crashes=%d blacklisted=%d", g.Crashes(), g.Blacklisted())
	}
}

func TestEvaluateIgnoreAddrDoesNotApplyToUserSignals(t *testing.T) {
	s := New(nil, nil, nil)
	s.IgnoreAddr = addr(0x1000)
	g := counters.New(0)
	d := Evaluate(Input{FromUser: true, PC: 1, FaultAddr: 0x10, Hash: 9}, s, g)
	if !d.Admitted() {
		t.Fatalf("user-generated signals must bypass the ignore-address filter")
	}
}

func TestEvaluateReentryGuardDropsSilently(t *testing.T) {
	s := New(nil, nil, nil)
	g := counters.New(0)
	d := Evaluate(Input{PC: 1, Hash: 42, WorkerHasPendingCrash: true, WorkerLastHash: 42}, s, g)
	if d.Admitted() {
		t.Fatalf("expected silent drop on re-entry")
	}
	if d.Admit != ReasonDuplicateTask {
		t.Errorf("Admit = %v, want ReasonDuplicateTask", d.Admit)
	}
	if g.Crashes() != 0 {
		t.Errorf("re-entry guard must not touch counters, got Crashes=%d", g.Crashes())
	}
}

func TestEvaluateReentryGuardIgnoresDifferentHash(t *testing.T) {
	s := New(nil, nil, nil)
	g := counters.New(0)
	d := Evaluate(Input{PC: 1, Hash: 43, WorkerHasPendingCrash: true, WorkerLastHash: 42}, s, g)
	if !d.Admitted() {
		t.Fatalf("different hash must not be caught by the re-entry guard")
	}
}

func TestEffectiveSaveUnique(t *testing.T) {
	cases := []struct {
		saveUnique     bool
		hash           uint64
		frameCount     int
		pc             uint64
		wantCollisionSafe bool
	}{
		{true, 0xabc, 3, 0x1000, true},
		{false, 0xabc, 3, 0x1000, false},
		{true, 0, 3, 0x1000, false},
		{true, 0xabc, 0, 0, false},
	}
	for _, c := range cases {
		got := EffectiveSaveUnique(c.saveUnique, c.hash, c.frameCount, c.pc)
		if got != c.wantCollisionSafe {
			t.Errorf("EffectiveSaveUnique(%v,%x,%d,%x) = %v, want %v",
				c.saveUnique, c.hash, c.frameCount, c.pc, got, c.wantCollisionSafe)
		}
	}
}

func TestCounterInvariantsHoldAcrossMixedDecisions(t *testing.T) {
	s := New(nil, nil, []uint64{7})
	g := counters.New(0)
	Evaluate(Input{PC: 1, Hash: 1}, s, g)      // admitted
	Evaluate(Input{PC: 1, Hash: 7}, s, g)      // blacklisted
	Evaluate(Input{PC: 1, Hash: 2}, s, g)      // admitted
	snap := g.Snapshot()
	if !snap.Valid() {
		t.Fatalf("counters violate invariants: %+v", snap)
	}
	if snap.Crashes != 3 {
		t.Errorf("Crashes = %d, want 3", snap.Crashes)
	}
}
