package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/speakup/backend/internal/model/speech"
)

type fakeSynth struct {
	audio []byte
	err   error

	mu    sync.Mutex
	calls []speech.VoiceConfig
}

func (f *fakeSynth) SynthesizeToBuffer(_ context.Context, sessionID, text string, voice speech.VoiceConfig, format string) (*speech.TTSResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, voice)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &speech.TTSResponse{SessionID: sessionID, AudioData: f.audio, Format: format}, nil
}

// fakePlayer blocks each Play until released or cancelled.
type fakePlayer struct {
	block bool
	err   error

	mu      sync.Mutex
	started chan struct{}
	release chan struct{}
	playing int
	maxSeen int
}

func newFakePlayer(block bool) *fakePlayer {
	return &fakePlayer{block: block, started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (p *fakePlayer) Play(ctx context.Context, audio []byte, format string) error {
	p.mu.Lock()
	p.playing++
	if p.playing > p.maxSeen {
		p.maxSeen = p.playing
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.playing--
		p.mu.Unlock()
	}()

	p.started <- struct{}{}
	if p.block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.release:
		}
	}
	return p.err
}

type fakeLocal struct {
	err error

	mu    sync.Mutex
	texts []string
	rates []float64
}

func (l *fakeLocal) Speak(_ context.Context, text string, rate float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.texts = append(l.texts, text)
	l.rates = append(l.rates, rate)
	return l.err
}

func waitOutcome(t *testing.T, c *Completion) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := c.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && outcome == OutcomePending {
		t.Fatal("completion did not resolve")
	}
	return outcome
}

func TestSpeakPrimary(t *testing.T) {
	synth := &fakeSynth{audio: []byte("mp3")}
	player := newFakePlayer(false)
	local := &fakeLocal{}
	s := NewSpeaker(synth, player, local, Options{SessionID: "s1"})

	c := s.Speak(context.Background(), "Hi! How are you?", speech.VoiceConfig{Voice: "alloy", SpeedPercent: 120})
	if got := waitOutcome(t, c); got != OutcomePrimary {
		t.Fatalf("expected primary, got %s (%v)", got, c.Err())
	}
	if len(local.texts) != 0 {
		t.Fatal("local voice must not be used on success")
	}
	if synth.calls[0].Voice != "alloy" {
		t.Fatalf("voice not forwarded: %+v", synth.calls[0])
	}
}

func TestSpeakFallsBackToLocalVoice(t *testing.T) {
	tests := []struct {
		name     string
		synth    *fakeSynth
		voice    speech.VoiceConfig
		wantRate float64
	}{
		{
			name:     "synthesis error",
			synth:    &fakeSynth{err: errors.New("502 bad gateway")},
			voice:    speech.VoiceConfig{SpeedPercent: 75},
			wantRate: 0.875,
		},
		{
			name:     "empty audio",
			synth:    &fakeSynth{},
			voice:    speech.VoiceConfig{RateLabel: "Slow"},
			wantRate: 0.8,
		},
		{
			name:     "unset speed",
			synth:    &fakeSynth{err: errors.New("timeout")},
			voice:    speech.VoiceConfig{},
			wantRate: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := &fakeLocal{}
			s := NewSpeaker(tt.synth, newFakePlayer(false), local, Options{})

			c := s.Speak(context.Background(), "Good job! Let's continue.", tt.voice)
			if got := waitOutcome(t, c); got != OutcomeFallback {
				t.Fatalf("expected fallback, got %s (%v)", got, c.Err())
			}
			if len(local.rates) != 1 || local.rates[0] != tt.wantRate {
				t.Fatalf("expected local rate %.3f, got %v", tt.wantRate, local.rates)
			}
		})
	}
}

func TestSpeakPlayerErrorFallsBack(t *testing.T) {
	player := newFakePlayer(false)
	player.err = errors.New("decoder failed")
	local := &fakeLocal{}
	s := NewSpeaker(&fakeSynth{audio: []byte("mp3")}, player, local, Options{})

	if got := waitOutcome(t, s.Speak(context.Background(), "hello", speech.VoiceConfig{})); got != OutcomeFallback {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestSpeakFailsWithoutAnyVoice(t *testing.T) {
	s := NewSpeaker(&fakeSynth{err: errors.New("down")}, newFakePlayer(false), nil, Options{})

	c := s.Speak(context.Background(), "hello", speech.VoiceConfig{})
	if got := waitOutcome(t, c); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if !errors.Is(c.Err(), ErrPlaybackUnavailable) {
		t.Fatalf("expected ErrPlaybackUnavailable, got %v", c.Err())
	}

	local := &fakeLocal{err: errors.New("no voices installed")}
	s = NewSpeaker(nil, nil, local, Options{})
	c = s.Speak(context.Background(), "hello", speech.VoiceConfig{})
	if got := waitOutcome(t, c); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestSpeakBlankText(t *testing.T) {
	s := NewSpeaker(&fakeSynth{audio: []byte("x")}, newFakePlayer(false), &fakeLocal{}, Options{})
	c := s.Speak(context.Background(), "  ", speech.VoiceConfig{})
	if got := waitOutcome(t, c); got != OutcomeFailed || !errors.Is(c.Err(), ErrNothingToSpeak) {
		t.Fatalf("expected ErrNothingToSpeak, got %s %v", got, c.Err())
	}
}

func TestSpeakCancelsPreviousUtterance(t *testing.T) {
	player := newFakePlayer(true)
	s := NewSpeaker(&fakeSynth{audio: []byte("mp3")}, player, &fakeLocal{}, Options{})
	ctx := context.Background()

	first := s.Speak(ctx, "first", speech.VoiceConfig{})
	<-player.started

	second := s.Speak(ctx, "second", speech.VoiceConfig{})
	if got := waitOutcome(t, first); got != OutcomeCancelled {
		t.Fatalf("expected first cancelled, got %s", got)
	}

	<-player.started
	close(player.release)
	if got := waitOutcome(t, second); got != OutcomePrimary {
		t.Fatalf("expected second primary, got %s", got)
	}

	player.mu.Lock()
	defer player.mu.Unlock()
	if player.maxSeen != 1 {
		t.Fatalf("utterances overlapped: %d concurrent plays", player.maxSeen)
	}
}

func TestCancelWaitsForSilence(t *testing.T) {
	player := newFakePlayer(true)
	s := NewSpeaker(&fakeSynth{audio: []byte("mp3")}, player, &fakeLocal{}, Options{})

	c := s.Speak(context.Background(), "long answer", speech.VoiceConfig{})
	<-player.started
	s.Cancel()

	select {
	case <-c.Done():
	default:
		t.Fatal("Cancel returned before playback stopped")
	}
	if c.Outcome() != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", c.Outcome())
	}

	s.Cancel()
}

func TestCompletionResolvesOnce(t *testing.T) {
	c := Resolved(OutcomePrimary, nil)
	c.resolve(OutcomeFailed, errors.New("late"))
	if c.Outcome() != OutcomePrimary || c.Err() != nil {
		t.Fatalf("completion changed after resolving: %s %v", c.Outcome(), c.Err())
	}
}
