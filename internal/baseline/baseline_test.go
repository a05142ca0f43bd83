package baseline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompute_Buckets(t *testing.T) {
	tests := []struct {
		name    string
		metrics Snapshot
		want    Signature
	}{
		{
			name:    "light load",
			metrics: Snapshot{"queue_depth": 3, "input_size": 500},
			want:    Signature{"queue_depth": "le10", "input_size": "le1k"},
		},
		{
			name:    "medium queue large input",
			metrics: Snapshot{"queue_depth": 50, "input_size": 2e5},
			want:    Signature{"queue_depth": "le50", "input_size": "gt100k"},
		},
		{
			name:    "heavy queue mid input",
			metrics: Snapshot{"queue_depth": 51.0, "input_size": 1e5},
			want:    Signature{"queue_depth": "gt50", "input_size": "le100k"},
		},
		{
			name:    "passthrough dimensions",
			metrics: Snapshot{"mode": "batch", "time_window": "night"},
			want:    Signature{"mode": "batch", "time_window": "night"},
		},
		{
			name:    "absent fields omitted",
			metrics: Snapshot{"latency_ms": 12.0},
			want:    Signature{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(tc.metrics)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("signature mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestKey_InsertionOrderInvariant(t *testing.T) {
	m1 := Snapshot{"queue_depth": 5, "mode": "batch", "input_size": 100}
	m2 := Snapshot{"input_size": 100, "mode": "batch", "queue_depth": 5}

	k1 := Compute(m1).Key()
	k2 := Compute(m2).Key()
	if k1 != k2 {
		t.Errorf("identical metrics keyed differently: %q vs %q", k1, k2)
	}
	if k1 != "input_size=le1k|mode=batch|queue_depth=le10" {
		t.Errorf("unexpected canonical key: %q", k1)
	}
}

func TestKey_Empty(t *testing.T) {
	if got := (Signature{}).Key(); got != "*" {
		t.Errorf("empty signature key: got %q, want %q", got, "*")
	}
}

func TestParseKey_RoundTrip(t *testing.T) {
	sig := Signature{"queue_depth": "le10", "mode": "batch"}
	got := ParseKey(sig.Key())
	if diff := cmp.Diff(sig, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSimilarity(t *testing.T) {
	base := Signature{"queue_depth": "le10", "mode": "batch"}

	tests := []struct {
		name  string
		donor Signature
		want  float64
	}{
		{"identical", Signature{"queue_depth": "le10", "mode": "batch"}, 1.0},
		{"adjacent bucket", Signature{"queue_depth": "le50", "mode": "batch"}, 0.75},
		{"far bucket", Signature{"queue_depth": "gt50", "mode": "batch"}, 0.5},
		{"no shared dims", Signature{"time_window": "night"}, 0.0},
		{"partial overlap", Signature{"mode": "batch"}, 1.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := base.Similarity(tc.donor); got != tc.want {
				t.Errorf("similarity: got %v, want %v", got, tc.want)
			}
		})
	}
}
