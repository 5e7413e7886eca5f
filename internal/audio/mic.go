package audio

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/zhouzirui/speakup/backend/internal/service/capture"
)

const (
	DefaultSpeechThreshold = 500.0
	DefaultMaxRecording    = 60 * time.Second
)

// MicOptions tunes local recording.
type MicOptions struct {
	// SilenceTimeout ends a continuous capture after speech was heard.
	SilenceTimeout time.Duration
	// Threshold is the RMS level, in PCM16 units, that counts as speech.
	Threshold float64
	// MaxRecording caps a single capture in either mode.
	MaxRecording time.Duration
}

// Mic records the default input device. It has no recognizer: captures yield
// wav audio and continuous mode ends on an energy based end of speech.
type Mic struct {
	open func() (frameSource, error)
	opts MicOptions
}

// NewMic returns a Mic on the default PortAudio input. Init must have been called.
func NewMic(opts MicOptions) *Mic {
	return newMic(openInput, opts)
}

func newMic(open func() (frameSource, error), opts MicOptions) *Mic {
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = capture.DefaultSilenceTimeout
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultSpeechThreshold
	}
	if opts.MaxRecording <= 0 {
		opts.MaxRecording = DefaultMaxRecording
	}
	return &Mic{open: open, opts: opts}
}

// Open starts recording. A missing or refused input device reports
// capture.ErrCaptureUnavailable.
func (m *Mic) Open(_ context.Context, mode capture.Mode) (capture.Stream, error) {
	src, err := m.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrCaptureUnavailable, err)
	}

	s := &micStream{
		src:    src,
		mode:   mode,
		opts:   m.opts,
		events: make(chan capture.Event, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.record()
	return s, nil
}

type micStream struct {
	src  frameSource
	mode capture.Mode
	opts MicOptions

	events   chan capture.Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	samples []int16
	heard   bool
}

func (s *micStream) Events() <-chan capture.Event { return s.events }

// record owns src until it returns. At most one event is sent.
func (s *micStream) record() {
	defer close(s.done)
	defer close(s.events)
	defer func() {
		if err := s.src.Close(); err != nil {
			log.Printf("[audio] close input: %v", err)
		}
	}()

	var total, quiet time.Duration
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		frame, err := s.src.Read()
		if err != nil {
			s.events <- capture.Event{Err: fmt.Errorf("read microphone: %w", err)}
			return
		}
		d := time.Duration(len(frame)) * time.Second / InputSampleRate
		total += d
		loud := rms(frame) >= s.opts.Threshold

		s.mu.Lock()
		s.samples = append(s.samples, frame...)
		if loud {
			s.heard = true
		}
		heard := s.heard
		s.mu.Unlock()

		if total >= s.opts.MaxRecording {
			s.events <- capture.Event{Final: true}
			return
		}
		if s.mode != capture.ModeContinuous || !heard {
			continue
		}
		if loud {
			quiet = 0
			continue
		}
		quiet += d
		if quiet >= s.opts.SilenceTimeout {
			s.events <- capture.Event{Final: true}
			return
		}
	}
}

func (s *micStream) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Finish stops recording and returns the take as wav. A take that never rose
// above the speech threshold is returned empty.
func (s *micStream) Finish(ctx context.Context) (capture.Result, error) {
	s.halt()
	select {
	case <-s.done:
	case <-ctx.Done():
		return capture.Result{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.heard || len(s.samples) == 0 {
		return capture.Result{}, nil
	}
	return capture.Result{Audio: EncodeWAV(s.samples, InputSampleRate), Format: "wav"}, nil
}

func (s *micStream) Abort() {
	s.halt()
	<-s.done
}

func rms(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}
