package speech

import (
	"math"
	"testing"
)

func TestSpeedMultiplier(t *testing.T) {
	cases := []struct {
		percent int
		want    float64
	}{
		{percent: 0, want: 0.75},
		{percent: 50, want: 0.75},
		{percent: 75, want: 0.875},
		{percent: 99, want: 0.995},
		{percent: 100, want: 1.0},
		{percent: 110, want: 1.1},
		{percent: 119, want: 1.19},
		{percent: 120, want: 1.2},
		{percent: 200, want: 1.2},
	}

	for _, tc := range cases {
		got := SpeedMultiplier(tc.percent)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("SpeedMultiplier(%d) = %v, want %v", tc.percent, got, tc.want)
		}
	}
}

func TestSpeedMultiplierStaysInRange(t *testing.T) {
	for p := -50; p <= 300; p++ {
		got := SpeedMultiplier(p)
		if got < 0.7 || got > 1.3 {
			t.Fatalf("SpeedMultiplier(%d) = %v out of [0.7, 1.3]", p, got)
		}
	}
}

func TestNormalizeVoice(t *testing.T) {
	cases := map[string]string{
		"alloy":   "alloy",
		" ONYX ":  "onyx",
		"echo":    "echo",
		"":        DefaultVoice,
		"unknown": DefaultVoice,
	}
	for in, want := range cases {
		if got := NormalizeVoice(in); got != want {
			t.Errorf("NormalizeVoice(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLocalRate(t *testing.T) {
	if got := LocalRate(RateSlow, 120); got != 0.8 {
		t.Fatalf("expected slow label to win, got %v", got)
	}
	if got := LocalRate(RateFast, 50); got != 1.2 {
		t.Fatalf("expected fast label 1.2, got %v", got)
	}
	if got := LocalRate("", 100); got != 1.0 {
		t.Fatalf("expected percentage mapping 1.0, got %v", got)
	}
	if ValidRateLabel("Turbo") {
		t.Fatal("expected unknown label to be invalid")
	}
}
