package engine

import "testing"

func TestParseRange(t *testing.T) {
	tests := []struct {
		in   string
		want Range
		ok   bool
	}{
		{in: "[1:3]", want: Range{Min: "1", Max: "3"}, ok: true},
		{in: "[:]", want: Range{}, ok: true},
		{in: "[0.5:]", want: Range{Min: "0.5"}, ok: true},
		{in: "1:3"},
		{in: "[13]"},
		{in: ""},
	}

	for _, tt := range tests {
		got, ok := ParseRange(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseRange(%q) = %+v, %v; expected %+v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestReplicas(t *testing.T) {
	tests := map[string]int{
		"[2:5]": 2,
		"[0:1]": 0,
		"[:4]":  1,
		"":      1,
	}
	for in, want := range tests {
		if got := Replicas(in); got != want {
			t.Errorf("Replicas(%q) = %d, expected %d", in, got, want)
		}
	}
}
