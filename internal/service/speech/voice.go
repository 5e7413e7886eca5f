package speech

import (
	"strings"
)

// DefaultVoice is used when a voice is unset or unknown.
const DefaultVoice = "shimmer"

// Voices lists the synthesis voices offered to learners.
var Voices = []string{"alloy", "echo", "shimmer", "onyx"}

// NormalizeVoice 将用户选择映射为受支持的音色，未知值回退到默认音色。
func NormalizeVoice(voice string) string {
	normalized := strings.ToLower(strings.TrimSpace(voice))
	for _, v := range Voices {
		if v == normalized {
			return v
		}
	}
	return DefaultVoice
}

// SpeedMultiplier maps a 50-120 speed percentage to a synthesis speed.
// 50 and below is 0.75, 120 and above is 1.2, and the two halves around 100
// are interpolated linearly. The result is clamped to [0.7, 1.3].
func SpeedMultiplier(percent int) float64 {
	var speed float64
	switch {
	case percent <= 50:
		speed = 0.75
	case percent >= 120:
		speed = 1.2
	case percent < 100:
		speed = 0.75 + float64(percent-50)/50*0.25
	default:
		speed = 1.0 + float64(percent-100)/20*0.2
	}

	if speed < 0.7 {
		return 0.7
	}
	if speed > 1.3 {
		return 1.3
	}
	return speed
}

// Legacy discrete rate labels from the first settings screen.
const (
	RateSlow   = "Slow"
	RateNormal = "Normal"
	RateFast   = "Fast"
)

var rateLabels = map[string]float64{
	RateSlow:   0.8,
	RateNormal: 1.0,
	RateFast:   1.2,
}

// LocalRate is the on-device voice rate. A known label wins; otherwise the
// percentage mapping is used.
func LocalRate(label string, percent int) float64 {
	if rate, ok := rateLabels[label]; ok {
		return rate
	}
	return SpeedMultiplier(percent)
}

// ValidRateLabel reports whether label is empty or a known legacy label.
func ValidRateLabel(label string) bool {
	if label == "" {
		return true
	}
	_, ok := rateLabels[label]
	return ok
}
