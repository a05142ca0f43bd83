package canonjson

import (
	"strings"
	"testing"
)

func TestMarshal_SortsKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	got, err := Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_StructFieldOrderIrrelevant(t *testing.T) {
	type ba struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	got, err := Marshal(ba{B: 1, A: 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(got) != `{"a":2,"b":1}` {
		t.Errorf("struct field order leaked into canonical form: %s", got)
	}
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	got, err := Marshal(map[string]string{"k": "a<b"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(got), `<`) {
		t.Errorf("canonical form must not HTML-escape: %s", got)
	}
}

func TestHash_InsertionOrderInvariant(t *testing.T) {
	m1 := map[string]any{"queue_depth": 5, "mode": "batch"}
	m2 := map[string]any{"mode": "batch", "queue_depth": 5}

	h1, err := Hash(m1)
	if err != nil {
		t.Fatalf("hash m1: %v", err)
	}
	h2, err := Hash(m2)
	if err != nil {
		t.Fatalf("hash m2: %v", err)
	}
	if h1 != h2 {
		t.Errorf("identical maps hashed differently: %s vs %s", h1, h2)
	}
}

func TestHash_SensitiveToAnyField(t *testing.T) {
	h1 := MustHash(map[string]any{"a": 1, "b": 2})
	h2 := MustHash(map[string]any{"a": 1, "b": 3})
	if h1 == h2 {
		t.Error("distinct payloads must hash differently")
	}
}
