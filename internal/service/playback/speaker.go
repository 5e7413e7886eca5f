// Package playback voices tutor replies: synthesized audio first, the
// device's own voice when synthesis fails.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/zhouzirui/speakup/backend/internal/model/speech"
	speechsvc "github.com/zhouzirui/speakup/backend/internal/service/speech"
)

var (
	// ErrNothingToSpeak is reported for blank text.
	ErrNothingToSpeak = errors.New("nothing to speak")
	// ErrPlaybackUnavailable means neither synthesis nor the local voice could play.
	ErrPlaybackUnavailable = errors.New("playback unavailable")
)

// Synthesizer turns text into audio bytes.
type Synthesizer interface {
	SynthesizeToBuffer(ctx context.Context, sessionID, text string, voice speech.VoiceConfig, format string) (*speech.TTSResponse, error)
}

// Player plays audio and blocks until it ends or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, audio []byte, format string) error
}

// LocalVoice speaks text with an on-device synthesizer and blocks until done.
type LocalVoice interface {
	Speak(ctx context.Context, text string, rate float64) error
}

// Options configures a Speaker.
type Options struct {
	SessionID string
	// Format is the audio format requested from the synthesizer, mp3 by default.
	Format string
}

// Speaker plays one utterance at a time. Starting a new utterance cancels the
// previous one and waits for it to go quiet first.
type Speaker struct {
	synth  Synthesizer
	player Player
	local  LocalVoice
	opts   Options

	mu      sync.Mutex
	current *inflight
}

type inflight struct {
	cancel     context.CancelFunc
	completion *Completion
}

// NewSpeaker builds a Speaker. synth and player may be nil when only the local
// voice is available; local may be nil when there is no on-device voice.
func NewSpeaker(synth Synthesizer, player Player, local LocalVoice, opts Options) *Speaker {
	if opts.Format == "" {
		opts.Format = "mp3"
	}
	return &Speaker{synth: synth, player: player, local: local, opts: opts}
}

// Speak starts voicing text and returns immediately. The returned Completion
// resolves exactly once.
func (s *Speaker) Speak(ctx context.Context, text string, voice speech.VoiceConfig) *Completion {
	playCtx, cancel := context.WithCancel(ctx)
	c := newCompletion()
	next := &inflight{cancel: cancel, completion: c}

	s.mu.Lock()
	prev := s.current
	s.current = next
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	go func() {
		defer cancel()
		if prev != nil {
			<-prev.completion.Done()
		}
		s.play(playCtx, c, text, voice)

		s.mu.Lock()
		if s.current == next {
			s.current = nil
		}
		s.mu.Unlock()
	}()
	return c
}

// Cancel stops the current utterance, if any, and waits until it is silent.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur == nil {
		return
	}
	cur.cancel()
	<-cur.completion.Done()
}

func (s *Speaker) play(ctx context.Context, c *Completion, text string, voice speech.VoiceConfig) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[playback] panic while speaking session=%s: %v", s.opts.SessionID, r)
			c.resolve(OutcomeFailed, fmt.Errorf("playback panic: %v", r))
		}
	}()

	if strings.TrimSpace(text) == "" {
		c.resolve(OutcomeFailed, ErrNothingToSpeak)
		return
	}

	if s.synth != nil && s.player != nil {
		err := s.playSynthesized(ctx, text, voice)
		if ctx.Err() != nil {
			c.resolve(OutcomeCancelled, ctx.Err())
			return
		}
		if err == nil {
			c.resolve(OutcomePrimary, nil)
			return
		}
		log.Printf("[playback] synthesized playback failed session=%s, use local voice: %v", s.opts.SessionID, err)
	}

	if s.local == nil {
		c.resolve(OutcomeFailed, ErrPlaybackUnavailable)
		return
	}

	percent := voice.SpeedPercent
	if percent <= 0 {
		percent = 100
	}
	err := s.local.Speak(ctx, text, speechsvc.LocalRate(voice.RateLabel, percent))
	switch {
	case ctx.Err() != nil:
		c.resolve(OutcomeCancelled, ctx.Err())
	case err != nil:
		log.Printf("[playback] local voice failed session=%s: %v", s.opts.SessionID, err)
		c.resolve(OutcomeFailed, fmt.Errorf("%w: %v", ErrPlaybackUnavailable, err))
	default:
		c.resolve(OutcomeFallback, nil)
	}
}

func (s *Speaker) playSynthesized(ctx context.Context, text string, voice speech.VoiceConfig) error {
	resp, err := s.synth.SynthesizeToBuffer(ctx, s.opts.SessionID, text, voice, s.opts.Format)
	if err != nil {
		return err
	}
	if resp == nil || len(resp.AudioData) == 0 {
		return speechsvc.ErrEmptyAudio
	}
	format := resp.Format
	if format == "" {
		format = s.opts.Format
	}
	return s.player.Play(ctx, resp.AudioData, format)
}
