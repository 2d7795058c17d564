package main

import "testing"

func TestRendererResolve(t *testing.T) {
	r := &renderer{seen: map[string]string{
		"abc12345-1": "",
		"abc12345-2": "",
		"ffe00000-1": "",
	}}

	if id, err := r.resolve("ffe"); err != nil || id != "ffe00000-1" {
		t.Errorf("resolve(ffe) = %q, %v", id, err)
	}
	if _, err := r.resolve("abc12345"); err == nil {
		t.Error("ambiguous prefix resolved")
	}
	if _, err := r.resolve("zzz"); err == nil {
		t.Error("unknown prefix resolved")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"line\nbreak", 20, "line break"},
		{"abcdefghij", 5, "abcd…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
