package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/speakup/backend/internal/service/capture"
	"github.com/zhouzirui/speakup/backend/internal/service/playback"
)

// DefaultAckTimeout bounds how long the bridge waits for the browser to
// confirm a capture start or hand over a finished recording.
const DefaultAckTimeout = 10 * time.Second

// 浏览器 SpeechRecognition 的错误名。
const (
	browserErrNotAllowed        = "not-allowed"
	browserErrServiceNotAllowed = "service-not-allowed"
	browserErrAudioCapture      = "audio-capture"
	browserErrNoSpeech          = "no-speech"
	browserErrNetwork           = "network"
	browserErrAborted           = "aborted"
)

// Bridge exposes the browser's microphone and speaker over one voice
// connection. It implements capture.Device, playback.Player and
// playback.LocalVoice; replies from the browser arrive through Dispatch.
type Bridge struct {
	out        sender
	ackTimeout time.Duration

	mu      sync.Mutex
	stream  *browserStream
	pending map[string]chan error

	closed    chan struct{}
	closeOnce sync.Once
}

var (
	_ capture.Device      = (*Bridge)(nil)
	_ playback.Player     = (*Bridge)(nil)
	_ playback.LocalVoice = (*Bridge)(nil)
)

// NewBridge builds a bridge writing to out.
func NewBridge(out sender, ackTimeout time.Duration) *Bridge {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Bridge{
		out:        out,
		ackTimeout: ackTimeout,
		pending:    make(map[string]chan error),
		closed:     make(chan struct{}),
	}
}

// Close fails every pending wait and ends the open recording.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		s := b.stream
		b.stream = nil
		b.mu.Unlock()
		if s != nil {
			s.end()
		}
	})
}

// Open implements capture.Device. The browser asks for microphone permission
// on the first capture.start and answers with capture.started or capture.error.
func (b *Bridge) Open(ctx context.Context, mode capture.Mode) (capture.Stream, error) {
	s := newBrowserStream(b, uuid.NewString(), mode)

	b.mu.Lock()
	if b.stream != nil {
		b.mu.Unlock()
		return nil, capture.ErrAlreadyCapturing
	}
	b.stream = s
	b.mu.Unlock()

	if err := b.out.send("capture.start", map[string]any{"id": s.id, "mode": mode}); err != nil {
		b.detach(s)
		return nil, fmt.Errorf("%w: %v", capture.ErrCaptureUnavailable, err)
	}

	timer := time.NewTimer(b.ackTimeout)
	defer timer.Stop()

	select {
	case err := <-s.started:
		if err != nil {
			b.detach(s)
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		s.Abort()
		return nil, ctx.Err()
	case <-b.closed:
		b.detach(s)
		return nil, fmt.Errorf("%w: browser disconnected", capture.ErrCaptureUnavailable)
	case <-timer.C:
		s.Abort()
		return nil, fmt.Errorf("%w: browser did not start recording", capture.ErrCaptureUnavailable)
	}
}

// Play implements playback.Player.
func (b *Bridge) Play(ctx context.Context, audio []byte, format string) error {
	return b.playback(ctx, "playback.play", func(id string) any {
		return map[string]any{
			"id":     id,
			"audio":  base64.StdEncoding.EncodeToString(audio),
			"format": format,
		}
	})
}

// Speak implements playback.LocalVoice with the browser's speechSynthesis.
func (b *Bridge) Speak(ctx context.Context, text string, rate float64) error {
	return b.playback(ctx, "playback.local", func(id string) any {
		return map[string]any{"id": id, "text": text, "rate": rate}
	})
}

func (b *Bridge) playback(ctx context.Context, msgType string, payload func(id string) any) error {
	id := uuid.NewString()
	ended := make(chan error, 1)

	b.mu.Lock()
	b.pending[id] = ended
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.out.send(msgType, payload(id)); err != nil {
		return err
	}

	select {
	case err := <-ended:
		return err
	case <-ctx.Done():
		if err := b.out.send("playback.stop", map[string]string{"id": id}); err != nil {
			log.Printf("[voice] failed to stop playback id=%s: %v", id, err)
		}
		return ctx.Err()
	case <-b.closed:
		return errConnClosed
	}
}

type captureStarted struct {
	ID string `json:"id"`
}

type capturePartial struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type captureAudio struct {
	ID     string `json:"id"`
	Audio  string `json:"audio"`
	Format string `json:"format"`
	Text   string `json:"text"`
}

type captureError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type playbackEnded struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Dispatch routes a browser reply. It reports false for message types the
// bridge does not own.
func (b *Bridge) Dispatch(msgType string, raw json.RawMessage) (bool, error) {
	switch msgType {
	case "capture.started":
		var msg captureStarted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return true, err
		}
		if s := b.current(msg.ID); s != nil {
			s.ack(nil)
		}
	case "capture.partial":
		var msg capturePartial
		if err := json.Unmarshal(raw, &msg); err != nil {
			return true, err
		}
		if s := b.current(msg.ID); s != nil {
			s.push(capture.Event{Text: msg.Text, Final: msg.Final})
		}
	case "capture.audio":
		var msg captureAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return true, err
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return true, fmt.Errorf("decode capture audio: %w", err)
		}
		if s := b.current(msg.ID); s != nil {
			s.deliver(capture.Result{Audio: audio, Format: msg.Format, Text: msg.Text})
		}
	case "capture.error":
		var msg captureError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return true, err
		}
		if msg.Error == browserErrAborted {
			return true, nil
		}
		if s := b.current(msg.ID); s != nil {
			s.fail(browserCaptureError(msg.Error))
		}
	case "playback.ended":
		var msg playbackEnded
		if err := json.Unmarshal(raw, &msg); err != nil {
			return true, err
		}
		b.mu.Lock()
		ended, ok := b.pending[msg.ID]
		b.mu.Unlock()
		if ok {
			var err error
			if msg.Error != "" {
				err = errors.New(msg.Error)
			}
			select {
			case ended <- err:
			default:
			}
		}
	default:
		return false, nil
	}
	return true, nil
}

// browserCaptureError maps SpeechRecognition error names onto capture errors.
func browserCaptureError(name string) error {
	switch name {
	case browserErrNotAllowed, browserErrServiceNotAllowed, browserErrAudioCapture:
		return fmt.Errorf("%w: %s", capture.ErrCaptureUnavailable, name)
	case browserErrNoSpeech:
		return capture.ErrNoSpeech
	case browserErrNetwork:
		return capture.ErrNetwork
	default:
		return fmt.Errorf("browser capture error: %s", name)
	}
}

func (b *Bridge) current(id string) *browserStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil || b.stream.id != id {
		return nil
	}
	return b.stream
}

func (b *Bridge) detach(s *browserStream) {
	b.mu.Lock()
	if b.stream == s {
		b.stream = nil
	}
	b.mu.Unlock()
	s.end()
}

// browserStream is one recording held by the browser.
type browserStream struct {
	bridge *Bridge
	id     string
	mode   capture.Mode

	started chan error
	result  chan capture.Result
	events  chan capture.Event

	mu    sync.Mutex
	ended bool
	acked bool
}

func newBrowserStream(b *Bridge, id string, mode capture.Mode) *browserStream {
	return &browserStream{
		bridge:  b,
		id:      id,
		mode:    mode,
		started: make(chan error, 1),
		result:  make(chan capture.Result, 1),
		events:  make(chan capture.Event, 16),
	}
}

func (s *browserStream) Events() <-chan capture.Event { return s.events }

// Finish asks the browser to stop recording and waits for what it captured.
func (s *browserStream) Finish(ctx context.Context) (capture.Result, error) {
	defer s.bridge.detach(s)

	select {
	case res := <-s.result:
		return res, nil
	default:
	}

	if err := s.bridge.out.send("capture.stop", map[string]string{"id": s.id}); err != nil {
		return capture.Result{}, err
	}

	timer := time.NewTimer(s.bridge.ackTimeout)
	defer timer.Stop()

	select {
	case res := <-s.result:
		return res, nil
	case <-ctx.Done():
		if err := s.bridge.out.send("capture.cancel", map[string]string{"id": s.id}); err != nil && !errors.Is(err, errConnClosed) {
			log.Printf("[voice] failed to cancel capture id=%s: %v", s.id, err)
		}
		return capture.Result{}, ctx.Err()
	case <-s.bridge.closed:
		return capture.Result{}, errConnClosed
	case <-timer.C:
		return capture.Result{}, errors.New("browser did not hand over the recording")
	}
}

// Abort discards the recording.
func (s *browserStream) Abort() {
	if err := s.bridge.out.send("capture.cancel", map[string]string{"id": s.id}); err != nil && !errors.Is(err, errConnClosed) {
		log.Printf("[voice] failed to cancel capture id=%s: %v", s.id, err)
	}
	s.bridge.detach(s)
}

func (s *browserStream) ack(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acked {
		return
	}
	s.acked = true
	s.started <- err
}

// fail rejects a pending start, or ends a running recording with err.
func (s *browserStream) fail(err error) {
	s.mu.Lock()
	if !s.acked {
		s.acked = true
		s.started <- err
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.push(capture.Event{Err: err})
}

// push forwards a recognition update once recording has started. The adapter
// drains events until the stream ends, so the send always completes.
func (s *browserStream) push(ev capture.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || !s.acked {
		return
	}
	s.events <- ev
}

// deliver stores the recording. A continuous recognizer that ended on its
// own sends audio before Finish asks for it, so the stream also ends here.
func (s *browserStream) deliver(res capture.Result) {
	select {
	case s.result <- res:
	default:
	}
	s.end()
}

func (s *browserStream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.events)
}
