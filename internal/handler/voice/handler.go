// Package voice runs turn-controller sessions over a WebSocket: the browser
// lends its microphone and speaker, the server sequences the turns.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/speakup/backend/internal/config"
	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	"github.com/zhouzirui/speakup/backend/internal/model/lesson"
	settingsModel "github.com/zhouzirui/speakup/backend/internal/model/settings"
	"github.com/zhouzirui/speakup/backend/internal/model/speech"
	"github.com/zhouzirui/speakup/backend/internal/service/ai"
	"github.com/zhouzirui/speakup/backend/internal/service/assessment"
	"github.com/zhouzirui/speakup/backend/internal/service/capture"
	lessonService "github.com/zhouzirui/speakup/backend/internal/service/lesson"
	"github.com/zhouzirui/speakup/backend/internal/service/playback"
	settingsService "github.com/zhouzirui/speakup/backend/internal/service/settings"
	speechService "github.com/zhouzirui/speakup/backend/internal/service/speech"
	"github.com/zhouzirui/speakup/backend/internal/service/turn"
)

// Options 语音会话依赖。为 nil 的服务会被离线实现替代。
type Options struct {
	Turn        config.TurnConfig
	AckTimeout  time.Duration
	Synthesizer playback.Synthesizer
	Transcriber turn.Transcriber
	Dialogue    turn.Dialogue
}

// Handler WebSocket语音处理器
type Handler struct {
	lessons  *lessonService.Service
	settings *settingsService.Store
	assessor *assessment.Service
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
}

// New 创建语音处理器
func New(lessons *lessonService.Service, settings *settingsService.Store, assessor *assessment.Service, hub *Hub, opts Options) *Handler {
	if opts.Transcriber == nil {
		opts.Transcriber = silentTranscriber{}
	}
	if opts.Dialogue == nil {
		opts.Dialogue = fallbackDialogue{}
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Handler{
		lessons:  lessons,
		settings: settings,
		assessor: assessor,
		hub:      hub,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Hub returns the registry of connected sessions.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/voice/{id}", h.handleVoice)
}

// ControlMessage 控制消息
type ControlMessage struct {
	Action string `json:"action"`
}

// TextMessage 文本消息，代替语音作答
type TextMessage struct {
	Text string `json:"text"`
}

// ConfigMessage 配置消息，仅对当前连接生效
type ConfigMessage struct {
	Voice        string `json:"voice"`
	SpeedPercent *int   `json:"speedPercent,omitempty"`
	RateLabel    string `json:"rateLabel"`
}

// connectionState 保存单个连接的可变设置。
type connectionState struct {
	lessonID string

	mu       sync.Mutex
	voice    *speech.VoiceConfig
	finished bool
}

func (s *connectionState) override() (speech.VoiceConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voice == nil {
		return speech.VoiceConfig{}, false
	}
	return *s.voice, true
}

func (s *connectionState) markFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.finished = true
	return true
}

func (s *connectionState) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// applyConfig merges cfg into the connection override, starting from base.
func applyConfig(state *connectionState, base speech.VoiceConfig, cfg ConfigMessage) {
	state.mu.Lock()
	defer state.mu.Unlock()

	next := base
	if state.voice != nil {
		next = *state.voice
	}
	if strings.TrimSpace(cfg.Voice) != "" {
		next.Voice = speechService.NormalizeVoice(cfg.Voice)
	}
	if cfg.SpeedPercent != nil {
		percent := *cfg.SpeedPercent
		if percent < 50 {
			percent = 50
		}
		if percent > 120 {
			percent = 120
		}
		next.SpeedPercent = percent
	}
	if cfg.RateLabel != "" && speechService.ValidRateLabel(cfg.RateLabel) {
		next.RateLabel = cfg.RateLabel
	}
	state.voice = &next
}

func (h *Handler) baseVoice() speech.VoiceConfig {
	if h.settings == nil {
		return speech.VoiceConfig{Voice: speechService.DefaultVoice, SpeedPercent: 100}
	}
	return h.settings.VoiceConfig()
}

// seedHistory resumes a stored transcript, or opens with the tutor's intro.
func seedHistory(stored []chat.Utterance, content lesson.Content) []chat.Utterance {
	if len(stored) > 0 {
		return stored
	}
	intro := strings.TrimSpace(content.FreeTalkIntro)
	if intro == "" {
		return nil
	}
	return []chat.Utterance{{Speaker: chat.SpeakerAssistant, Text: intro}}
}

// handleVoice 处理WebSocket连接
func (h *Handler) handleVoice(w http.ResponseWriter, r *http.Request) {
	lessonID := chi.URLParam(r, "id")
	session, err := h.lessons.GetSession(r.Context(), lessonID)
	if err != nil {
		http.Error(w, "lesson not found", http.StatusNotFound)
		return
	}

	mode, err := capture.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stored, err := h.lessons.LoadTranscript(r.Context(), lessonID)
	if err != nil {
		http.Error(w, "lesson not found", http.StatusNotFound)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[voice] upgrade failed: %v", err)
		return
	}

	history := seedHistory(stored, session.Content)
	if len(stored) == 0 && len(history) > 0 {
		if _, err := h.lessons.AppendTranscript(r.Context(), lessonID, history...); err != nil {
			log.Printf("[voice] failed to store intro lesson=%s: %v", lessonID, err)
		}
	}

	conn := newWSConn(ws, lessonID)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	state := &connectionState{lessonID: lessonID}
	bridge := NewBridge(conn, h.opts.AckTimeout)
	adapter := capture.NewAdapter(bridge, capture.Options{SilenceTimeout: h.opts.Turn.SilenceTimeout})
	speaker := playback.NewSpeaker(h.opts.Synthesizer, bridge, bridge, playback.Options{SessionID: lessonID})

	controller := turn.NewController(adapter, h.opts.Transcriber, h.opts.Dialogue, speaker, turn.Options{
		SessionID:          lessonID,
		Mode:               mode,
		RestartDelay:       h.opts.Turn.RestartDelay,
		RetryDelay:         h.opts.Turn.RetryDelay,
		MaxCaptureFailures: h.opts.Turn.MaxCaptureFailures,
		ErrorDismiss:       h.opts.Turn.ErrorDismiss,
		History:            history,
		Voice: func() speech.VoiceConfig {
			if voice, ok := state.override(); ok {
				return voice
			}
			return h.baseVoice()
		},
	})

	live := &liveSession{
		controller: controller,
		state:      state,
		disconnect: func() {
			cancel()
			conn.close()
		},
	}
	h.hub.add(lessonID, live)

	events, unsubscribe := controller.Subscribe(64)
	forwarded := make(chan struct{})
	go h.forward(ctx, conn, state, events, forwarded)
	go conn.pingLoop(ctx)

	stopSettings := func() {}
	if h.settings != nil {
		changes, unsubscribeSettings := h.settings.Subscribe()
		stopSettings = unsubscribeSettings
		go pushSettings(conn, changes)
	}

	defer func() {
		bridge.Close()
		controller.Stop()
		unsubscribe()
		stopSettings()
		<-forwarded
		h.hub.remove(lessonID, live)
		log.Printf("[voice] connection closed lesson=%s", lessonID)
	}()

	log.Printf("[voice] new connection lesson=%s mode=%s", lessonID, mode)

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	conn.send("connected", map[string]any{
		"mode":    mode,
		"state":   controller.State(),
		"history": controller.History(),
	})

	for {
		var msg inboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[voice] read error lesson=%s: %v", lessonID, err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))

		if msg.SessionID != "" && msg.SessionID != lessonID {
			conn.sendError("session mismatch")
			continue
		}

		h.handleMessage(ctx, conn, state, bridge, controller, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, conn *wsConn, state *connectionState, bridge *Bridge, controller *turn.Controller, msg *inboundMessage) {
	if handled, err := bridge.Dispatch(msg.Type, msg.Data); handled {
		if err != nil {
			log.Printf("[voice] invalid %s message lesson=%s: %v", msg.Type, state.lessonID, err)
			conn.sendError("invalid " + msg.Type + " message")
		}
		return
	}

	switch msg.Type {
	case "control":
		var control ControlMessage
		if err := json.Unmarshal(msg.Data, &control); err != nil {
			conn.sendError("invalid control message")
			return
		}
		h.handleControl(ctx, conn, state, controller, control.Action)
	case "text":
		var text TextMessage
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			conn.sendError("invalid text message")
			return
		}
		if err := controller.SubmitText(text.Text); err != nil {
			conn.sendError(err.Error())
		}
	case "config":
		var cfg ConfigMessage
		if err := json.Unmarshal(msg.Data, &cfg); err != nil {
			conn.sendError("invalid config message")
			return
		}
		applyConfig(state, h.baseVoice(), cfg)
		voice, _ := state.override()
		conn.send("config", voice)
	case "ping":
		conn.send("pong", nil)
	default:
		conn.sendError("unsupported message type: " + msg.Type)
	}
}

func (h *Handler) handleControl(ctx context.Context, conn *wsConn, state *connectionState, controller *turn.Controller, action string) {
	switch action {
	case "start":
		if err := controller.Start(ctx); err != nil && !errors.Is(err, turn.ErrAlreadyActive) {
			conn.sendError(err.Error())
		}
	case "stop":
		controller.Stop()
	case "submit":
		if err := controller.Submit(); err != nil {
			conn.sendError(err.Error())
		}
	case "finish":
		if !state.markFinished() {
			return
		}
		// 复盘需要调用大模型，不阻塞读循环；连接断开后仍要把课程记录写完
		go h.finish(context.WithoutCancel(ctx), conn, state, controller)
	default:
		conn.sendError("unsupported action: " + action)
	}
}

// finish ends the voice loop for good, reviews the transcript and records
// the lesson.
func (h *Handler) finish(ctx context.Context, conn *wsConn, state *connectionState, controller *turn.Controller) {
	history := controller.Finish()

	feedback := []lesson.FeedbackItem{}
	if h.assessor != nil {
		feedback = h.assessor.ReviewSession(ctx, history)
	}

	payload := map[string]any{"history": history, "feedback": feedback}
	record, err := h.lessons.Finish(ctx, state.lessonID, history, feedback)
	switch {
	case err == nil:
		payload["record"] = record
	case errors.Is(err, lessonService.ErrSessionNotFound):
	default:
		log.Printf("[voice] failed to record lesson=%s: %v", state.lessonID, err)
	}

	if err := conn.send("finished", payload); err != nil {
		log.Printf("[voice] failed to send finished lesson=%s: %v", state.lessonID, err)
	}
}

// forward pushes controller events to the browser and appends each new
// utterance to the stored transcript.
func (h *Handler) forward(ctx context.Context, conn *wsConn, state *connectionState, events <-chan turn.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		if err := conn.send(string(ev.Type), ev); err != nil && !errors.Is(err, errConnClosed) {
			log.Printf("[voice] failed to forward %s lesson=%s: %v", ev.Type, state.lessonID, err)
		}
		if ev.Type == turn.EventUtterance && ev.Utterance != nil && !state.isFinished() {
			if _, err := h.lessons.AppendTranscript(ctx, state.lessonID, *ev.Utterance); err != nil && !errors.Is(err, lessonService.ErrSessionNotFound) {
				log.Printf("[voice] failed to save transcript lesson=%s: %v", state.lessonID, err)
			}
		}
	}
}

// pushSettings 设置变更时通知浏览器，连接级覆盖（config 消息）仍然优先。
func pushSettings(conn *wsConn, changes <-chan settingsModel.Settings) {
	for next := range changes {
		if err := conn.send("settings", next.VoiceConfig()); err != nil {
			if !errors.Is(err, errConnClosed) {
				log.Printf("[voice] failed to push settings lesson=%s: %v", conn.sessionID, err)
			}
			return
		}
	}
}

type silentTranscriber struct{}

func (silentTranscriber) Transcribe(context.Context, []byte, string) string { return "" }

type fallbackDialogue struct{}

func (fallbackDialogue) Reply(context.Context, string, []chat.Utterance) string {
	return ai.FallbackReply
}
