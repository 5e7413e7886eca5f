package speech

import "time"

// SpeechConfig 语音服务配置
type SpeechConfig struct {
	TranscriptionModel string        `json:"transcriptionModel"` // whisper-1
	TTSModel           string        `json:"ttsModel"`           // tts-1
	Voice              string        `json:"voice"`              // alloy, echo, shimmer, onyx
	SpeedPercent       int           `json:"speedPercent"`       // 50-120
	Language           string        `json:"language"`
	Timeout            time.Duration `json:"timeout"`
}

// VoiceConfig is the per-utterance playback setting read from the settings store.
type VoiceConfig struct {
	Voice        string `json:"voice"`
	SpeedPercent int    `json:"speedPercent"`
	// RateLabel is the legacy Slow/Normal/Fast selector; empty means use SpeedPercent.
	RateLabel string `json:"rateLabel,omitempty"`
}
