package gating

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCapabilities_MembershipOnly(t *testing.T) {
	caps := &Capabilities{Allow: map[string][]string{
		"ingest": {"tune.batch", "tune.compression"},
	}}

	if !caps.CanApply("ingest", "tune.batch") {
		t.Error("granted capability should pass")
	}
	if caps.CanApply("ingest", "tune.debug") {
		t.Error("ungranted capability must not pass")
	}
	if caps.CanApply("other", "tune.batch") {
		t.Error("capability for one module must not leak to another")
	}
	if !caps.CanApply("anything", "") {
		t.Error("empty requirement always passes")
	}

	var nilCaps *Capabilities
	if nilCaps.CanApply("m", "cap") {
		t.Error("nil allow-set grants nothing")
	}
}

func TestStabilization_UnseenIsStabilized(t *testing.T) {
	s := NewStabilization()
	if !s.Ready("m", "k", 5) {
		t.Error("unseen key must be treated as stabilized")
	}
}

func TestStabilization_ChangeThenTick(t *testing.T) {
	s := NewStabilization()
	s.NoteChange("m", "k")

	if s.Ready("m", "k", 2) {
		t.Error("freshly changed knob must not be ready")
	}
	s.TickCycle()
	if s.Ready("m", "k", 2) {
		t.Error("one cycle is not enough for required=2")
	}
	s.TickCycle()
	if !s.Ready("m", "k", 2) {
		t.Error("two cycles should satisfy required=2")
	}
}

func TestStabilization_TickIsGlobal(t *testing.T) {
	s := NewStabilization()
	s.NoteChange("m", "a")
	s.NoteChange("m", "b")
	s.TickCycle()

	want := map[string]int{"m::a": 1, "m::b": 1}
	if diff := cmp.Diff(want, s.Snapshot()); diff != "" {
		t.Errorf("counters (-want +got):\n%s", diff)
	}
}

func TestCooldown_ActiveWindow(t *testing.T) {
	s := NewCooldownStore("")
	key := CooldownKey("m", "k", "1", "*")
	// Set at idx 10 with cooldown_cycles=5: until_idx 15.
	s.Set(key, CooldownEntry{SetIdx: 10, UntilIdx: 15, Reason: "rollback_rate"})

	if !s.IsActive(key, 14) {
		t.Error("cooldown must be active at idx 14")
	}
	if s.IsActive(key, 15) {
		t.Error("cooldown must be expired at idx 15")
	}
	if s.IsActive("m::k::2::*", 14) {
		t.Error("unknown key is never active")
	}
}

func TestCooldown_PruneReturnsSortedKeys(t *testing.T) {
	s := NewCooldownStore("")
	s.Set("m::k::b::*", CooldownEntry{UntilIdx: 10})
	s.Set("m::k::a::*", CooldownEntry{UntilIdx: 10})
	s.Set("m::k::c::*", CooldownEntry{UntilIdx: 20})

	removed := s.Prune(15)
	if diff := cmp.Diff([]string{"m::k::a::*", "m::k::b::*"}, removed); diff != "" {
		t.Errorf("removed keys (-want +got):\n%s", diff)
	}
	if s.Len() != 1 {
		t.Errorf("remaining entries: got %d, want 1", s.Len())
	}
}

func TestCooldown_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	s := NewCooldownStore(path)
	s.Set("m::k::1::*", CooldownEntry{SetIdx: 3, UntilIdx: 8, Attempts: 4, Rollbacks: 2})
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := LoadCooldowns(path)
	e, ok := loaded.Get("m::k::1::*")
	if !ok {
		t.Fatal("entry missing after reload")
	}
	if e.UntilIdx != 8 || e.Rollbacks != 2 {
		t.Errorf("entry: %+v", e)
	}
}

func TestCooldown_CorruptFileDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	if err := os.WriteFile(path, []byte("]["), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := LoadCooldowns(path)
	if s.Len() != 0 {
		t.Error("corrupt cooldown file must load as empty")
	}
}
