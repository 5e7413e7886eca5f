// Package audio drives the local microphone and speaker through PortAudio for
// the terminal tutor.
package audio

import (
	"fmt"
	"log"

	"github.com/gordonklaus/portaudio"
)

const (
	// InputSampleRate matches what Whisper expects for speech.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of the synthesizer's raw pcm output.
	OutputSampleRate = 24000
	framesPerBuffer  = 1024
	channels         = 1
)

// Init initializes PortAudio. Call Terminate when done.
func Init() error {
	log.Println("[audio] initializing PortAudio")
	return portaudio.Initialize()
}

// Terminate releases PortAudio.
func Terminate() {
	if err := portaudio.Terminate(); err != nil {
		log.Printf("[audio] error terminating PortAudio: %v", err)
	}
}

// frameSource yields fixed size mono int16 frames.
type frameSource interface {
	Read() ([]int16, error)
	Close() error
}

// frameSink consumes fixed size mono int16 frames.
type frameSink interface {
	Write(frame []int16) error
	Close() error
}

type paInput struct {
	stream *portaudio.Stream
	buffer []int16
}

func openInput() (frameSource, error) {
	in := &paInput{buffer: make([]int16, framesPerBuffer)}
	stream, err := portaudio.OpenDefaultStream(channels, 0, InputSampleRate, len(in.buffer), &in.buffer)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	in.stream = stream
	return in, nil
}

func (p *paInput) Read() ([]int16, error) {
	if err := p.stream.Read(); err != nil {
		return nil, err
	}
	frame := make([]int16, len(p.buffer))
	copy(frame, p.buffer)
	return frame, nil
}

func (p *paInput) Close() error {
	_ = p.stream.Stop()
	return p.stream.Close()
}

type paOutput struct {
	stream *portaudio.Stream
	buffer []int16
}

func openOutput(sampleRate float64) (frameSink, error) {
	out := &paOutput{buffer: make([]int16, framesPerBuffer)}
	stream, err := portaudio.OpenDefaultStream(0, channels, sampleRate, len(out.buffer), &out.buffer)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	out.stream = stream
	return out, nil
}

func (p *paOutput) Write(frame []int16) error {
	n := copy(p.buffer, frame)
	for i := n; i < len(p.buffer); i++ {
		p.buffer[i] = 0
	}
	return p.stream.Write()
}

func (p *paOutput) Close() error {
	_ = p.stream.Stop()
	return p.stream.Close()
}
