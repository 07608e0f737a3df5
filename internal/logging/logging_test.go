package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"off":      zerolog.Disabled,
		"nonsense": zerolog.InfoLevel,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestSamplerAllowsFirstOfEveryN(t *testing.T) {
	s := NewSampler(3)
	var allowed []int
	for i := 1; i <= 7; i++ {
		if s.Allow() {
			allowed = append(allowed, i)
		}
	}
	if len(allowed) != 3 || allowed[0] != 1 || allowed[1] != 4 || allowed[2] != 7 {
		t.Fatalf("unexpected allowed calls: %v", allowed)
	}

	var nilSampler *Sampler
	if !nilSampler.Allow() {
		t.Fatalf("nil sampler should allow every call")
	}
}
