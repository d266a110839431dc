package environment

import "testing"

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Name
	}{
		{"production", Production},
		{" Prod ", Production},
		{"staging", Staging},
		{"QA", QA},
		{"dev", Development},
		{"test", Test},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := Parse("moon"); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestValid(t *testing.T) {
	t.Parallel()
	for _, n := range All() {
		if !n.Valid() {
			t.Fatalf("%q should be valid", n)
		}
	}
	if Name("uat").Valid() {
		t.Fatal("uat should not be valid")
	}
}
