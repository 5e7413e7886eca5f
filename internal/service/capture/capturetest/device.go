// Package capturetest provides a scriptable microphone for tests.
package capturetest

import (
	"context"
	"sync"

	"github.com/zhouzirui/speakup/backend/internal/service/capture"
)

// Device is a capture.Device whose streams are driven by the test.
type Device struct {
	mu        sync.Mutex
	openErr   error
	results   []capture.Result
	opens     int
	streams   []*Stream
	opened    chan *Stream
	openPanic any
}

var _ capture.Device = (*Device)(nil)

// NewDevice returns a Device that succeeds on Open and yields empty results.
func NewDevice() *Device {
	return &Device{opened: make(chan *Stream, 64)}
}

// SetOpenError makes every following Open fail with err; nil clears it.
func (d *Device) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// SetOpenPanic makes the next Open panic with v.
func (d *Device) SetOpenPanic(v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openPanic = v
}

// QueueResult appends a result returned by the next Finish call that has no
// explicit result of its own.
func (d *Device) QueueResult(r capture.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, r)
}

// Opened delivers streams as they are opened; streams beyond the buffer are
// only visible through Streams.
func (d *Device) Opened() <-chan *Stream {
	return d.opened
}

// OpenCount returns how many times Open was called.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Streams returns every stream opened so far.
func (d *Device) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// Open implements capture.Device.
func (d *Device) Open(ctx context.Context, mode capture.Mode) (capture.Stream, error) {
	d.mu.Lock()
	d.opens++
	if p := d.openPanic; p != nil {
		d.openPanic = nil
		d.mu.Unlock()
		panic(p)
	}
	if d.openErr != nil {
		err := d.openErr
		d.mu.Unlock()
		return nil, err
	}
	s := &Stream{device: d, mode: mode, events: make(chan capture.Event, 16)}
	d.streams = append(d.streams, s)
	d.mu.Unlock()

	select {
	case d.opened <- s:
	default:
	}
	return s, nil
}

func (d *Device) nextResult() capture.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.results) == 0 {
		return capture.Result{}
	}
	r := d.results[0]
	d.results = d.results[1:]
	return r
}

// Stream is one scripted recording.
type Stream struct {
	device *Device
	mode   capture.Mode
	events chan capture.Event

	mu        sync.Mutex
	closed    bool
	finished  bool
	aborted   bool
	result    *capture.Result
	finishErr error
}

// Mode returns the mode the stream was opened with.
func (s *Stream) Mode() capture.Mode { return s.mode }

// Events implements capture.Stream.
func (s *Stream) Events() <-chan capture.Event { return s.events }

// Emit sends an interim recognition result.
func (s *Stream) Emit(text string) { s.send(capture.Event{Text: text}) }

// EmitFinal sends a final recognition result.
func (s *Stream) EmitFinal(text string) { s.send(capture.Event{Text: text, Final: true}) }

// Fail sends a device error.
func (s *Stream) Fail(err error) { s.send(capture.Event{Err: err}) }

// End closes the event channel as if the device stopped on its own.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// SetResult fixes what Finish returns for this stream.
func (s *Stream) SetResult(r capture.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = &r
	s.finishErr = err
}

// Finish implements capture.Stream.
func (s *Stream) Finish(_ context.Context) (capture.Result, error) {
	s.mu.Lock()
	s.finished = true
	s.closeLocked()
	result, err := s.result, s.finishErr
	s.mu.Unlock()

	if err != nil {
		return capture.Result{}, err
	}
	if result != nil {
		return *result, nil
	}
	return s.device.nextResult(), nil
}

// Abort implements capture.Stream.
func (s *Stream) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.closeLocked()
}

// Released reports whether the stream was finished or aborted.
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished || s.aborted
}

// Aborted reports whether the stream was discarded.
func (s *Stream) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Stream) send(ev capture.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *Stream) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
