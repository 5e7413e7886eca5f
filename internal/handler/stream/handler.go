package stream

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	aiService "github.com/zhouzirui/speakup/backend/internal/service/ai"
	lessonService "github.com/zhouzirui/speakup/backend/internal/service/lesson"
	"github.com/zhouzirui/speakup/backend/internal/service/turn"
	"github.com/zhouzirui/speakup/backend/pkg/utils"
)

// HeartbeatInterval 控制事件流的心跳间隔。
var HeartbeatInterval = 8 * time.Second

// EventSource 提供正在进行的语音会话：事件订阅与文字作答。
// 两个方法的 bool 返回值都表示该课程是否有语音连接。
type EventSource interface {
	Subscribe(sessionID string, buffer int) (<-chan turn.Event, func(), bool)
	SubmitText(sessionID, text string) (bool, error)
}

// Handler manages text free-talk replies and controller events via Server-Sent Events
type Handler struct {
	aiSvc      *aiService.Service
	lessonsSvc *lessonService.Service
	events     EventSource
}

// New creates a new stream handler. aiSvc may be nil, in which case text
// replies use the fallback line.
func New(aiSvc *aiService.Service, lessonsSvc *lessonService.Service, events EventSource) *Handler {
	return &Handler{
		aiSvc:      aiSvc,
		lessonsSvc: lessonsSvc,
		events:     events,
	}
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event     string          `json:"event"`
	Content   string          `json:"content,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Utterance *chat.Utterance `json:"utterance,omitempty"`
	Finished  bool            `json:"finished,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// RegisterRoutes 注册流式路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/lessons/{id}/stream", h.handleStream)
	r.Get("/lessons/{id}/events", h.handleEvents)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	userMessage := strings.TrimSpace(r.URL.Query().Get("message"))
	if userMessage == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	if _, err := h.lessonsSvc.GetSession(r.Context(), sessionID); err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	// 语音会话进行中时由其控制器作答，转写只有一个写入方
	if h.events != nil {
		if events, unsubscribe, ok := h.events.Subscribe(sessionID, 32); ok {
			defer unsubscribe()
			live, err := h.events.SubmitText(sessionID, userMessage)
			if live {
				if err != nil {
					utils.RespondError(w, http.StatusConflict, err.Error())
					return
				}
				h.relayReply(r.Context(), w, sessionID, events)
				return
			}
		}
	}

	if err := h.HandleStreamRequest(r.Context(), w, sessionID, userMessage); err != nil {
		log.Printf("[stream] error handling request session=%s: %v", sessionID, err)
	}
}

// HandleStreamRequest answers one typed learner line and appends both sides
// of the exchange to the lesson transcript.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, sessionID, userMessage string) error {
	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return err
	}

	history, err := h.lessonsSvc.LoadTranscript(ctx, sessionID)
	if err != nil {
		sse.Data(StreamResponse{Event: "error", Error: "failed to load conversation"})
		return err
	}

	sse.Data(StreamResponse{Event: "start", SessionID: sessionID})

	reply := h.dispatchReply(ctx, sse, sessionID, userMessage, history)

	user := chat.Utterance{Speaker: chat.SpeakerUser, Text: userMessage, Order: len(history)}
	assistant := chat.Utterance{Speaker: chat.SpeakerAssistant, Text: reply, Order: len(history) + 1}
	if appended, err := h.lessonsSvc.AppendTranscript(ctx, sessionID, user, assistant); err != nil {
		log.Printf("[stream] failed to save transcript session=%s: %v", sessionID, err)
	} else {
		history = appended
		assistant = appended[len(appended)-1]
	}

	sse.Data(StreamResponse{Event: "message", SessionID: sessionID, Content: reply, Utterance: &assistant})
	sse.Data(StreamResponse{Event: "end", SessionID: sessionID, Finished: true})

	log.Printf("[stream] completed response for session=%s history=%d", sessionID, len(history))
	return nil
}

// relayReply waits for the voice controller's answer to a typed line and
// sends it as one message.
func (h *Handler) relayReply(ctx context.Context, w http.ResponseWriter, sessionID string, events <-chan turn.Event) {
	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sse.Data(StreamResponse{Event: "start", SessionID: sessionID})

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok || (ev.Type == turn.EventState && ev.State == turn.StateStopped) {
				sse.Data(StreamResponse{Event: "error", SessionID: sessionID, Error: "voice session stopped"})
				return
			}
			if ev.Type != turn.EventUtterance || ev.Utterance == nil || ev.Utterance.Speaker != chat.SpeakerAssistant {
				continue
			}
			assistant := *ev.Utterance
			sse.Data(StreamResponse{Event: "message", SessionID: sessionID, Content: assistant.Text, Utterance: &assistant})
			sse.Data(StreamResponse{Event: "end", SessionID: sessionID, Finished: true})
			log.Printf("[stream] relayed voice reply for session=%s", sessionID)
			return
		}
	}
}

// dispatchReply 返回助教回复，任何失败都会退回到固定台词，保证会话不会卡住。
func (h *Handler) dispatchReply(ctx context.Context, sse *utils.SSEWriter, sessionID, userMessage string, history []chat.Utterance) string {
	if h.aiSvc == nil {
		return aiService.FallbackReply
	}

	if h.aiSvc.StreamingEnabled() {
		reply, err := h.streamReply(ctx, sse, sessionID, userMessage, history)
		if err == nil && strings.TrimSpace(reply) != "" {
			return strings.TrimSpace(reply)
		}
		log.Printf("[stream] streaming reply failed session=%s, use fallback: %v", sessionID, err)
		return aiService.FallbackReply
	}

	reply := h.aiSvc.Reply(ctx, userMessage, history)
	if strings.TrimSpace(reply) == "" {
		return aiService.FallbackReply
	}
	return reply
}

func (h *Handler) streamReply(ctx context.Context, sse *utils.SSEWriter, sessionID, userMessage string, history []chat.Utterance) (string, error) {
	stream, err := h.aiSvc.StreamReply(ctx, userMessage, history)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			sse.Data(StreamResponse{Event: "delta", SessionID: sessionID, Content: chunk.Content})
		}
	}

	if len(chunks) == 0 {
		return "", aiService.ErrEmptyCompletion
	}
	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

// handleEvents 将语音会话的状态、识别中间结果、转写与错误横幅推送给浏览器。
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if h.events == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "voice sessions unavailable")
		return
	}

	events, unsubscribe, ok := h.events.Subscribe(sessionID, 32)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "no active voice session")
		return
	}
	defer unsubscribe()

	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx := r.Context()
	log.Printf("[sse] opening event stream for session=%s", sessionID)

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] closing event stream for session=%s", sessionID)
			return
		case ev, ok := <-events:
			if !ok {
				sse.Data(StreamResponse{Event: "end", SessionID: sessionID, Finished: true})
				return
			}
			if err := sse.Event(string(ev.Type), ev); err != nil {
				log.Printf("[sse] write failed session=%s: %v", sessionID, err)
				return
			}
		case <-ticker.C:
			if err := sse.Comment("heartbeat"); err != nil {
				return
			}
		}
	}
}
