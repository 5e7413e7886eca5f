package turn

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	"github.com/zhouzirui/speakup/backend/internal/model/speech"
	"github.com/zhouzirui/speakup/backend/internal/service/ai"
	"github.com/zhouzirui/speakup/backend/internal/service/capture"
	"github.com/zhouzirui/speakup/backend/internal/service/playback"
)

var (
	// ErrAlreadyActive is returned by Start while a run is in progress.
	ErrAlreadyActive = errors.New("session already active")
	// ErrFinished is returned once Finish has been called.
	ErrFinished = errors.New("session finished")
	// ErrNotListening is returned by Submit when no capture is open.
	ErrNotListening = errors.New("session is not listening")
)

// Capturer opens and closes microphone captures.
type Capturer interface {
	StartCapture(ctx context.Context, mode capture.Mode) (*capture.Handle, error)
	StopCapture(ctx context.Context, h *capture.Handle) (capture.Result, error)
	CancelCapture(h *capture.Handle)
}

// Transcriber turns recorded audio into text; "" means nothing usable.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) string
}

// Dialogue produces the tutor's next line. It must not fail.
type Dialogue interface {
	Reply(ctx context.Context, userText string, history []chat.Utterance) string
}

// Speaker voices tutor replies.
type Speaker interface {
	Speak(ctx context.Context, text string, voice speech.VoiceConfig) *playback.Completion
	Cancel()
}

// Options tunes a Controller. Zero values take the defaults below.
type Options struct {
	SessionID          string
	Mode               capture.Mode
	RestartDelay       time.Duration
	RetryDelay         time.Duration
	MaxCaptureFailures int
	ErrorDismiss       time.Duration
	// History seeds the transcript, typically with the tutor's opening line.
	History []chat.Utterance
	// Voice is read before every reply so settings changes apply immediately.
	Voice func() speech.VoiceConfig
}

const (
	DefaultRestartDelay       = 300 * time.Millisecond
	DefaultRetryDelay         = 100 * time.Millisecond
	DefaultMaxCaptureFailures = 3
	DefaultErrorDismiss       = 4 * time.Second
)

// Controller owns one session's turn loop. Every state change goes through
// transition, which drops moves from runs that were stopped in the meantime.
type Controller struct {
	capturer    Capturer
	transcriber Transcriber
	dialogue    Dialogue
	speaker     Speaker
	opts        Options

	// lifecycle serializes Start, Stop and Finish.
	lifecycle sync.Mutex

	mu       sync.Mutex
	state    State
	run      uint64
	cancel   context.CancelFunc
	done     chan struct{}
	handle   *capture.Handle
	submit   chan string
	history  []chat.Utterance
	finished bool
	subs     map[int]chan Event
	nextSub  int
}

// NewController wires a controller in the Idle state.
func NewController(capturer Capturer, transcriber Transcriber, dialogue Dialogue, speaker Speaker, opts Options) *Controller {
	if opts.Mode == "" {
		opts.Mode = capture.ModeContinuous
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxCaptureFailures <= 0 {
		opts.MaxCaptureFailures = DefaultMaxCaptureFailures
	}
	if opts.ErrorDismiss <= 0 {
		opts.ErrorDismiss = DefaultErrorDismiss
	}
	if opts.Voice == nil {
		opts.Voice = func() speech.VoiceConfig { return speech.VoiceConfig{} }
	}

	history := make([]chat.Utterance, 0, len(opts.History))
	for _, u := range opts.History {
		u.Order = len(history)
		history = append(history, u)
	}

	return &Controller{
		capturer:    capturer,
		transcriber: transcriber,
		dialogue:    dialogue,
		speaker:     speaker,
		opts:        opts,
		state:       StateIdle,
		history:     history,
		subs:        make(map[int]chan Event),
	}
}

// State returns the current run state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns a copy of the committed transcript.
func (c *Controller) History() []chat.Utterance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chat.CopyHistory(c.history)
}

// Mode returns the capture mode the controller was built with.
func (c *Controller) Mode() capture.Mode {
	return c.opts.Mode
}

// Subscribe returns a channel of session events and a function that detaches
// it. Events are dropped for subscribers that fall behind.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Start begins listening. It resumes a stopped session with its history intact.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrFinished
	}
	if c.state.Active() {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	prevDone := c.done
	c.mu.Unlock()

	// a run that stopped itself may still be unwinding
	if prevDone != nil {
		<-prevDone
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.run++
	run := c.run
	c.cancel = cancel
	c.done = make(chan struct{})
	c.submit = make(chan string, 1)
	done, submit := c.done, c.submit
	c.setStateLocked(StateListening)
	c.mu.Unlock()

	log.Printf("[turn] session=%s start run=%d mode=%s", c.opts.SessionID, run, c.opts.Mode)
	go c.loop(runCtx, run, submit, done)
	return nil
}

// Stop cancels whatever is in flight and moves to Stopped. It is idempotent.
func (c *Controller) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stop()
}

func (c *Controller) stop() {
	c.mu.Lock()
	c.run++
	cancel, done, h := c.cancel, c.done, c.handle
	c.cancel, c.handle = nil, nil
	c.setStateLocked(StateStopped)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h != nil {
		c.capturer.CancelCapture(h)
	}
	c.speaker.Cancel()
	if done != nil {
		<-done
	}
}

// Finish stops the session for good and returns the final transcript. The
// returned slice is never modified afterwards.
func (c *Controller) Finish() []chat.Utterance {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
	return chat.CopyHistory(c.history)
}

// Submit ends the open capture so its recording is processed now. In discrete
// mode this is the only way a recording ends.
func (c *Controller) Submit() error {
	return c.offer("")
}

// SubmitText answers the current turn with typed text instead of speech.
func (c *Controller) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("text is required")
	}
	return c.offer(text)
}

func (c *Controller) offer(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateListening || c.submit == nil {
		return ErrNotListening
	}
	select {
	case c.submit <- text:
	default:
	}
	return nil
}

func (c *Controller) loop(ctx context.Context, run uint64, submit <-chan string, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[turn] session=%s panic in run=%d: %v", c.opts.SessionID, run, r)
			c.halt(run, CodeInternal, MessageInternal)
		}
		c.settle(run)
	}()

	failures := 0
	for {
		if !c.transition(run, StateListening) {
			return
		}

		res, err := c.listen(ctx, run, submit)
		if ctx.Err() != nil || !c.current(run) {
			return
		}
		if err != nil {
			if errors.Is(err, capture.ErrNoSpeech) {
				failures = 0
			} else {
				failures++
			}
			if !c.recoverCapture(run, err, failures) {
				return
			}
			if !sleep(ctx, c.opts.RetryDelay) {
				return
			}
			continue
		}
		failures = 0

		text := res.Text
		if text == "" && len(res.Audio) > 0 {
			if !c.transition(run, StateTranscribing) {
				return
			}
			text = strings.TrimSpace(c.transcriber.Transcribe(ctx, res.Audio, res.Format))
			if ctx.Err() != nil {
				return
			}
		}
		if text == "" {
			log.Printf("[turn] session=%s nothing recognized, listen again", c.opts.SessionID)
			if !sleep(ctx, c.opts.RetryDelay) {
				return
			}
			continue
		}

		if !c.respond(ctx, run, text) {
			return
		}
		if !sleep(ctx, c.opts.RestartDelay) {
			return
		}
	}
}

// listen runs one capture to completion. The handle is always released
// before listen returns.
func (c *Controller) listen(ctx context.Context, run uint64, submit <-chan string) (capture.Result, error) {
	h, err := c.capturer.StartCapture(ctx, c.opts.Mode)
	if err != nil {
		return capture.Result{}, err
	}

	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		c.capturer.CancelCapture(h)
		return capture.Result{}, context.Canceled
	}
	c.handle = h
	c.mu.Unlock()

	typed := ""
	for waiting := true; waiting; {
		select {
		case <-ctx.Done():
			c.release(h)
			c.capturer.CancelCapture(h)
			return capture.Result{}, ctx.Err()
		case partial := <-h.Partials():
			c.emit(Event{Type: EventPartial, Text: partial})
		case typed = <-submit:
			waiting = false
		case <-h.Done():
			waiting = false
		}
	}

	c.release(h)
	drain(submit)
	if typed != "" {
		c.capturer.CancelCapture(h)
		return capture.Result{Text: typed}, nil
	}
	if herr := h.Err(); herr != nil {
		c.capturer.CancelCapture(h)
		return capture.Result{}, herr
	}
	return c.capturer.StopCapture(ctx, h)
}

// drain drops a submit that raced with the capture ending on its own.
func drain(submit <-chan string) {
	select {
	case <-submit:
	default:
	}
}

func (c *Controller) release(h *capture.Handle) {
	c.mu.Lock()
	if c.handle == h {
		c.handle = nil
	}
	c.mu.Unlock()
}

// recoverCapture decides whether the loop can keep listening after a failed
// capture and reports the failure to the learner.
func (c *Controller) recoverCapture(run uint64, err error, failures int) bool {
	switch {
	case errors.Is(err, capture.ErrCaptureUnavailable):
		log.Printf("[turn] session=%s capture unavailable: %v", c.opts.SessionID, err)
		c.halt(run, CodeCaptureUnavailable, MessageMicDenied)
		return false
	case errors.Is(err, capture.ErrNoSpeech):
		return true
	}

	if failures >= c.opts.MaxCaptureFailures {
		log.Printf("[turn] session=%s capture failed %d times, stop: %v", c.opts.SessionID, failures, err)
		c.halt(run, CodeCaptureFailed, MessageCaptureFailed)
		return false
	}

	switch {
	case errors.Is(err, capture.ErrAlreadyCapturing):
		log.Printf("[turn] session=%s capture conflict ignored: %v", c.opts.SessionID, err)
	case errors.Is(err, capture.ErrNetwork):
		log.Printf("[turn] session=%s recognition network error: %v", c.opts.SessionID, err)
		c.report(CodeNetwork, MessageNetwork, false)
	default:
		log.Printf("[turn] session=%s capture failed, retry: %v", c.opts.SessionID, err)
	}
	return true
}

// respond commits the learner's line, asks for a reply and voices it.
func (c *Controller) respond(ctx context.Context, run uint64, text string) bool {
	c.mu.Lock()
	if c.run != run || !canTransition(c.state, StateReplying) {
		c.mu.Unlock()
		return false
	}
	prior := chat.CopyHistory(c.history)
	c.setStateLocked(StateReplying)
	c.appendLocked(chat.SpeakerUser, text)
	c.mu.Unlock()

	reply := strings.TrimSpace(c.dialogue.Reply(ctx, text, prior))
	if ctx.Err() != nil {
		return false
	}
	if reply == "" {
		reply = ai.FallbackReply
	}

	c.mu.Lock()
	if c.run != run || !canTransition(c.state, StateSpeaking) {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(StateSpeaking)
	c.appendLocked(chat.SpeakerAssistant, reply)
	c.mu.Unlock()

	completion := c.speaker.Speak(ctx, reply, c.opts.Voice())
	outcome, err := completion.Wait(ctx)
	if ctx.Err() != nil {
		return false
	}
	if outcome == playback.OutcomeFailed {
		log.Printf("[turn] session=%s reply could not be voiced: %v", c.opts.SessionID, err)
	}
	return true
}

// transition moves run to the next state. It fails when run was stopped or
// the move is not legal from the current state.
func (c *Controller) transition(run uint64, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != run {
		return false
	}
	if !canTransition(c.state, to) {
		log.Printf("[turn] session=%s illegal transition %s -> %s ignored", c.opts.SessionID, c.state, to)
		return false
	}
	c.setStateLocked(to)
	return true
}

func (c *Controller) current(run uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run == run
}

// halt stops run from inside the loop and reports a fatal error.
func (c *Controller) halt(run uint64, code, message string) {
	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		return
	}
	c.run++
	cancel, h := c.cancel, c.handle
	c.cancel, c.handle = nil, nil
	c.setStateLocked(StateStopped)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h != nil {
		c.capturer.CancelCapture(h)
	}
	c.speaker.Cancel()
	c.report(code, message, true)
}

// settle marks a run that ended on its own, e.g. when its context was
// cancelled by the caller, as stopped.
func (c *Controller) settle(run uint64) {
	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		return
	}
	c.run++
	cancel := c.cancel
	c.cancel = nil
	c.setStateLocked(StateStopped)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.speaker.Cancel()
}

func (c *Controller) report(code, message string, fatal bool) {
	c.emit(Event{Type: EventError, Error: &ErrorReport{
		Code:         code,
		Message:      message,
		Fatal:        fatal,
		DismissAfter: c.opts.ErrorDismiss,
	}})
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	log.Printf("[turn] session=%s %s -> %s", c.opts.SessionID, c.state, s)
	c.state = s
	c.emitLocked(Event{Type: EventState, State: s})
}

func (c *Controller) appendLocked(speaker chat.Speaker, text string) {
	u := chat.Utterance{Speaker: speaker, Text: text, Order: len(c.history)}
	c.history = append(c.history, u)
	c.emitLocked(Event{Type: EventUtterance, Utterance: &u})
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(ev)
}

func (c *Controller) emitLocked(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
