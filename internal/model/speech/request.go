package speech

import (
	"io"
)

// ASRRequest 语音识别请求
type ASRRequest struct {
	SessionID string    `json:"sessionId"`
	AudioData io.Reader `json:"-"`
	Format    string    `json:"format"`   // webm, wav, mp3, etc.
	Language  string    `json:"language"` // en, ko, etc.
}

// TTSRequest 语音合成请求
type TTSRequest struct {
	SessionID string  `json:"sessionId"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`  // 声音类型
	Speed     float64 `json:"speed"`  // 语速倍率 0.7-1.3
	Format    string  `json:"format"` // mp3, pcm, wav, etc.
}
