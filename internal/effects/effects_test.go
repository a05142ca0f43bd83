package effects

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecord_WelfordMean(t *testing.T) {
	s := New("")
	before := map[string]float64{"latency_ms": 110}
	after := map[string]float64{"latency_ms": 100}

	s.Record("m", "k", "1", "*", before, after)
	s.Record("m", "k", "1", "*", before, after)

	n, mean, variance := s.GetStats("m", "k", "1", "*", "latency_ms")
	if n != 2 {
		t.Errorf("n: got %d, want 2", n)
	}
	if mean != -10.0 {
		t.Errorf("mean: got %v, want -10.0", mean)
	}
	if variance != 0 {
		t.Errorf("variance: got %v, want 0", variance)
	}
}

func TestRecord_Variance(t *testing.T) {
	s := New("")
	for _, delta := range []float64{-8, -12} {
		s.RecordSample("m", "k", "1", "*", "latency_ms", delta)
	}
	n, mean, variance := s.GetStats("m", "k", "1", "*", "latency_ms")
	if n != 2 || mean != -10 {
		t.Fatalf("n=%d mean=%v, want n=2 mean=-10", n, mean)
	}
	// Sample variance of {-8, -12} is 8.
	if math.Abs(variance-8) > 1e-9 {
		t.Errorf("variance: got %v, want 8", variance)
	}
}

func TestZ_ZeroVarianceNonZeroMean(t *testing.T) {
	st := &Stats{}
	st.Add(-10)
	st.Add(-10)
	if !math.IsInf(st.Z(), 1) {
		t.Errorf("z: got %v, want +Inf", st.Z())
	}
}

func TestRecord_IgnoresMetricsMissingFromEitherSide(t *testing.T) {
	s := New("")
	s.Record("m", "k", "1", "*",
		map[string]float64{"latency_ms": 100, "only_before": 1},
		map[string]float64{"latency_ms": 90, "only_after": 2})

	if n, _, _ := s.GetStats("m", "k", "1", "*", "only_before"); n != 0 {
		t.Error("metric absent from after snapshot must not be recorded")
	}
	if n, _, _ := s.GetStats("m", "k", "1", "*", "latency_ms"); n != 1 {
		t.Errorf("shared metric: got n=%d, want 1", n)
	}
}

func TestRecord_TrackedFilter(t *testing.T) {
	s := New("")
	s.Tracked = []string{"latency_ms"}
	s.Record("m", "k", "1", "*",
		map[string]float64{"latency_ms": 100, "cost": 5},
		map[string]float64{"latency_ms": 90, "cost": 6})

	if n, _, _ := s.GetStats("m", "k", "1", "*", "cost"); n != 0 {
		t.Error("untracked metric must not be recorded")
	}
	if n, _, _ := s.GetStats("m", "k", "1", "*", "latency_ms"); n != 1 {
		t.Error("tracked metric must be recorded")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "effects.json")
	s := New(path)
	s.RecordSample("m", "k", "1", "queue_depth=le10", "latency_ms", -10)
	s.RecordSample("m", "k", "1", "queue_depth=le10", "latency_ms", -12)
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := Load(path)
	n, mean, _ := loaded.GetStats("m", "k", "1", "queue_depth=le10", "latency_ms")
	if n != 2 || mean != -11 {
		t.Errorf("round trip: got n=%d mean=%v, want n=2 mean=-11", n, mean)
	}
}

func TestLoad_CorruptFileDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "effects.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := Load(path)
	if len(s.Keys()) != 0 {
		t.Error("corrupt file must load as empty store")
	}
}

func TestLoad_HashMismatchDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "effects.json")
	s := New(path)
	s.RecordSample("m", "k", "1", "*", "latency_ms", -10)
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(data), "-10", "-99", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	loaded := Load(path)
	if len(loaded.Keys()) != 0 {
		t.Error("hash-mismatched file must load as empty store")
	}
}

func TestDonorBuckets_ExcludesOwnBucket(t *testing.T) {
	s := New("")
	s.RecordSample("m", "k", "1", "queue_depth=le10", "latency_ms", -10)
	s.RecordSample("m", "k", "1", "queue_depth=le50", "latency_ms", -5)
	s.RecordSample("m", "other", "1", "queue_depth=gt50", "latency_ms", -99)

	donors := s.DonorBuckets("m", "k", "1", "latency_ms", "queue_depth=le10")
	if len(donors) != 1 {
		t.Fatalf("donors: got %d, want 1", len(donors))
	}
	st, ok := donors["queue_depth=le50"]
	if !ok || st.Mean != -5 {
		t.Errorf("unexpected donors: %+v", donors)
	}
}
