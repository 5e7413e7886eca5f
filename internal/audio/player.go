package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedFormat is returned for audio the Player cannot decode.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Player plays synthesized speech on the default output device. It accepts
// raw pcm at OutputSampleRate or PCM16 mono wav.
type Player struct {
	open func(sampleRate float64) (frameSink, error)
}

// NewPlayer returns a Player on the default PortAudio output.
func NewPlayer() *Player {
	return &Player{open: openOutput}
}

// Play blocks until audio has been written or ctx is cancelled.
func (p *Player) Play(ctx context.Context, audio []byte, format string) error {
	var (
		samples []int16
		rate    = OutputSampleRate
		err     error
	)
	switch strings.ToLower(format) {
	case "pcm":
		samples = bytesToSamples(audio)
	case "wav":
		samples, rate, err = decodeWAV(audio)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	sink, err := p.open(float64(rate))
	if err != nil {
		return err
	}
	defer sink.Close()

	for off := 0; off < len(samples); off += framesPerBuffer {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+framesPerBuffer, len(samples))
		if err := sink.Write(samples[off:end]); err != nil {
			return fmt.Errorf("write speaker: %w", err)
		}
	}
	return nil
}
