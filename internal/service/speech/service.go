package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/speakup/backend/internal/model/speech"
)

var (
	// ErrEmptyText is returned when synthesis is requested for blank text.
	ErrEmptyText = errors.New("text is required")
	// ErrEmptyAudio is returned when the synthesis service answers with no audio.
	ErrEmptyAudio = errors.New("speech synthesis returned no audio")
)

// Service 语音服务核心业务逻辑，封装 OpenAI 兼容的 Whisper 与 TTS 接口
type Service struct {
	config *speech.SpeechConfig
	client *openai.Client
}

// NewService 创建语音服务实例
func NewService(client *openai.Client, config *speech.SpeechConfig) *Service {
	cfg := *config
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = openai.Whisper1
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SpeedPercent <= 0 {
		cfg.SpeedPercent = 100
	}
	cfg.Voice = NormalizeVoice(cfg.Voice)
	return &Service{config: &cfg, client: client}
}

// Config returns a copy of the effective configuration.
func (s *Service) Config() speech.SpeechConfig {
	return *s.config
}

// Transcribe converts captured audio to text. Any failure yields "" so callers
// treat it the same as silence.
func (s *Service) Transcribe(ctx context.Context, audio []byte, format string) string {
	if len(audio) == 0 {
		return ""
	}

	resp, err := s.TranscribeAudio(ctx, &speech.ASRRequest{
		AudioData: bytes.NewReader(audio),
		Format:    format,
	})
	if err != nil {
		log.Printf("[speech] transcription failed bytes=%d format=%s: %v", len(audio), format, err)
		return ""
	}
	return strings.TrimSpace(resp.Text)
}

// TranscribeAudio 语音转文字
func (s *Service) TranscribeAudio(ctx context.Context, req *speech.ASRRequest) (*speech.ASRResponse, error) {
	if req == nil || req.AudioData == nil {
		return nil, errors.New("audio data is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	format := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(req.Format)), ".")
	if format == "" {
		format = "webm"
	}

	language := req.Language
	if language == "" {
		language = s.config.Language
	}

	started := time.Now()
	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.config.TranscriptionModel,
		FilePath: "input." + format,
		Reader:   req.AudioData,
		Language: language,
	})
	if err != nil {
		return nil, fmt.Errorf("create transcription: %w", err)
	}

	return &speech.ASRResponse{
		SessionID: req.SessionID,
		Text:      resp.Text,
		Duration:  time.Since(started).Milliseconds(),
		RequestID: uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// SynthesizeSpeech 文字转语音
func (s *Service) SynthesizeSpeech(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	if req == nil || strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	voice := s.config.Voice
	if req.Voice != "" {
		voice = NormalizeVoice(req.Voice)
	}

	speed := req.Speed
	if speed <= 0 {
		speed = SpeedMultiplier(s.config.SpeedPercent)
	}

	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = "mp3"
	}

	started := time.Now()
	raw, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.config.TTSModel),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormat(format),
		Speed:          speed,
	})
	if err != nil {
		return nil, fmt.Errorf("create speech: %w", err)
	}
	defer raw.Close()

	audio, err := io.ReadAll(raw)
	if err != nil {
		return nil, fmt.Errorf("read speech audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	log.Printf("[speech] synthesized session=%s voice=%s speed=%.2f bytes=%d", req.SessionID, voice, speed, len(audio))
	return &speech.TTSResponse{
		SessionID: req.SessionID,
		AudioData: audio,
		Duration:  time.Since(started).Milliseconds(),
		Format:    format,
		RequestID: uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// SynthesizeToBuffer 文字转语音（返回字节数组）
func (s *Service) SynthesizeToBuffer(ctx context.Context, sessionID, text string, voice speech.VoiceConfig, format string) (*speech.TTSResponse, error) {
	percent := voice.SpeedPercent
	if percent <= 0 {
		percent = s.config.SpeedPercent
	}
	return s.SynthesizeSpeech(ctx, &speech.TTSRequest{
		SessionID: sessionID,
		Text:      text,
		Voice:     voice.Voice,
		Speed:     SpeedMultiplier(percent),
		Format:    format,
	})
}
