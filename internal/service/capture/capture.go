package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Mode selects how a capture ends.
type Mode string

const (
	// ModeDiscrete records until the learner explicitly stops and yields audio.
	ModeDiscrete Mode = "discrete"
	// ModeContinuous streams partial text and ends on silence or explicit stop.
	ModeContinuous Mode = "continuous"
)

// ParseMode parses a mode name; the empty string selects continuous.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeContinuous:
		return ModeContinuous, nil
	case ModeDiscrete:
		return ModeDiscrete, nil
	default:
		return "", fmt.Errorf("unknown capture mode %q", raw)
	}
}

var (
	// ErrCaptureUnavailable means permission was denied or no microphone exists.
	ErrCaptureUnavailable = errors.New("capture unavailable")
	// ErrAlreadyCapturing is returned when a capture is requested while one is open.
	ErrAlreadyCapturing = errors.New("capture already in progress")
	// ErrInactiveHandle is returned when stopping a handle that is no longer open.
	ErrInactiveHandle = errors.New("capture handle is not active")
	// ErrNoSpeech is reported by recognizers that heard nothing. It is not a failure.
	ErrNoSpeech = errors.New("no speech detected")
	// ErrNetwork is reported when a streaming recognizer lost its backend.
	ErrNetwork = errors.New("recognition network error")
)

// Result is what a finished capture produced. Discrete captures fill Audio;
// continuous captures fill Text and may also carry Audio.
type Result struct {
	Audio  []byte
	Format string
	Text   string
}

// Empty reports whether the capture yielded nothing usable.
func (r Result) Empty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.Audio) == 0
}

// Event is a recognition update from a device stream.
type Event struct {
	Text  string
	Final bool
	Err   error
}

// Device is a microphone driver. Open is the permission point: it is called
// lazily on the first capture and must return an error wrapping
// ErrCaptureUnavailable when permission is denied or no input exists.
type Device interface {
	Open(ctx context.Context, mode Mode) (Stream, error)
}

// Stream is one open recording.
type Stream interface {
	// Events delivers recognition updates and is closed when the stream ends.
	Events() <-chan Event
	// Finish stops recording, releases the input and returns what was captured.
	Finish(ctx context.Context) (Result, error)
	// Abort stops recording, releases the input and discards the capture.
	Abort()
}
