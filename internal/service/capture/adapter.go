package capture

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSilenceTimeout ends a continuous capture this long after the last
// recognized text.
const DefaultSilenceTimeout = 1500 * time.Millisecond

// Options configures an Adapter.
type Options struct {
	SilenceTimeout time.Duration
}

// Adapter guards a Device so that at most one capture is open at a time.
// A second StartCapture fails fast with ErrAlreadyCapturing.
type Adapter struct {
	device  Device
	silence time.Duration

	mu     sync.Mutex
	busy   bool
	active *Handle
}

// NewAdapter wraps device. The device is not opened until the first capture.
func NewAdapter(device Device, opts Options) *Adapter {
	silence := opts.SilenceTimeout
	if silence <= 0 {
		silence = DefaultSilenceTimeout
	}
	return &Adapter{device: device, silence: silence}
}

// Active reports whether a capture currently holds the device.
func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// StartCapture opens the device in mode and returns a handle for the recording.
func (a *Adapter) StartCapture(ctx context.Context, mode Mode) (*Handle, error) {
	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		return nil, ErrAlreadyCapturing
	}
	a.busy = true
	a.mu.Unlock()

	stream, err := a.open(ctx, mode)
	if err != nil {
		a.release()
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		stream.Abort()
		a.release()
		return nil, ctxErr
	}

	h := &Handle{
		id:       uuid.NewString(),
		mode:     mode,
		stream:   stream,
		silence:  a.silence,
		partials: make(chan string, 16),
		done:     make(chan struct{}),
	}

	a.mu.Lock()
	a.active = h
	a.mu.Unlock()

	go h.pump()
	return h, nil
}

// open releases the device if the driver panics, then lets the panic through.
func (a *Adapter) open(ctx context.Context, mode Mode) (Stream, error) {
	defer func() {
		if r := recover(); r != nil {
			a.release()
			panic(r)
		}
	}()
	return a.device.Open(ctx, mode)
}

// StopCapture ends the capture and returns its result. The device is released
// before StopCapture returns, whether or not it succeeds.
func (a *Adapter) StopCapture(ctx context.Context, h *Handle) (Result, error) {
	if !a.detach(h) {
		return Result{}, ErrInactiveHandle
	}

	h.halt()
	res, err := h.stream.Finish(ctx)
	a.release()
	h.markDone()
	if err != nil {
		return Result{}, fmt.Errorf("finish capture: %w", err)
	}

	if strings.TrimSpace(res.Text) == "" && h.mode == ModeContinuous {
		res.Text = h.Text()
	}
	res.Text = strings.TrimSpace(res.Text)
	return res, nil
}

// CancelCapture discards the capture and releases the device. Cancelling an
// inactive handle is a no-op.
func (a *Adapter) CancelCapture(h *Handle) {
	if !a.detach(h) {
		return
	}

	h.halt()
	h.stream.Abort()
	a.release()
	h.markDone()
	log.Printf("[capture] cancelled capture id=%s", h.id)
}

func (a *Adapter) detach(h *Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h == nil || a.active != h {
		return false
	}
	a.active = nil
	return true
}

func (a *Adapter) release() {
	a.mu.Lock()
	a.busy = false
	a.mu.Unlock()
}

// Handle is an open recording. Done is closed when the recording ended on its
// own (silence, final result or device error) or was stopped.
type Handle struct {
	id       string
	mode     Mode
	stream   Stream
	silence  time.Duration
	partials chan string
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	text    string
	err     error
	timer   *time.Timer
	stopped bool
}

// ID identifies the handle in logs and wire messages.
func (h *Handle) ID() string { return h.id }

// Mode returns the capture mode.
func (h *Handle) Mode() Mode { return h.mode }

// Partials delivers live transcript updates. Slow readers miss intermediate updates.
func (h *Handle) Partials() <-chan string { return h.partials }

// Done is closed when the capture is ready to be stopped or already ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the device error that ended the capture, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Text returns the latest recognized text.
func (h *Handle) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text
}

func (h *Handle) pump() {
	for ev := range h.stream.Events() {
		switch {
		case ev.Err != nil:
			h.fail(ev.Err)
		case ev.Final:
			h.update(ev.Text)
			h.markDone()
		default:
			h.update(ev.Text)
		}
	}
	h.markDone()
}

func (h *Handle) update(text string) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.text = text
	if h.mode == ModeContinuous && strings.TrimSpace(text) != "" {
		if h.timer != nil {
			h.timer.Stop()
		}
		h.timer = time.AfterFunc(h.silence, h.markDone)
	}
	h.mu.Unlock()

	select {
	case h.partials <- text:
	default:
	}
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
	h.markDone()
}

func (h *Handle) halt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Handle) markDone() {
	h.doneOnce.Do(func() { close(h.done) })
}
