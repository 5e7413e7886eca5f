package lesson

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	"github.com/zhouzirui/speakup/backend/internal/model/lesson"
	aiService "github.com/zhouzirui/speakup/backend/internal/service/ai"
	"github.com/zhouzirui/speakup/backend/internal/service/assessment"
	lessonService "github.com/zhouzirui/speakup/backend/internal/service/lesson"
	"github.com/zhouzirui/speakup/backend/pkg/utils"
)

// LiveSessions 正在进行语音会话的课程。ok 为 false 表示该课程没有连接。
type LiveSessions interface {
	// Pause stops the voice loop and returns its history.
	Pause(lessonID string) (history []chat.Utterance, ok bool)
	// Finish ends the voice loop for good and returns the frozen history.
	Finish(lessonID string) (history []chat.Utterance, ok bool)
}

// Handler 课程流程的HTTP处理器：选题、内容生成、跟读评估、会后反馈与翻译。
type Handler struct {
	aiSvc      *aiService.Service
	assessor   *assessment.Service
	lessonsSvc *lessonService.Service
	catalog    lesson.Catalog
	live       LiveSessions
}

// New 创建课程处理器。aiSvc 为 nil 时所有生成接口返回离线内容；
// live 为 nil 时不检查语音会话。
func New(aiSvc *aiService.Service, assessor *assessment.Service, lessonsSvc *lessonService.Service, catalog lesson.Catalog, live LiveSessions) *Handler {
	return &Handler{
		aiSvc:      aiSvc,
		assessor:   assessor,
		lessonsSvc: lessonsSvc,
		catalog:    catalog,
		live:       live,
	}
}

// RegisterRoutes 注册课程相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/topics", h.handleGenerateTopics)
	r.Get("/topics/fallback", h.handleFallbackTopics)
	r.Post("/lessons", h.handleCreateLesson)
	r.Get("/lessons/history", h.handleHistory)
	r.Get("/lessons/{id}", h.handleGetLesson)
	r.Delete("/lessons/{id}", h.handleDiscardLesson)
	r.Post("/lessons/{id}/assess", h.handleAssess)
	r.Post("/lessons/{id}/feedback", h.handleFeedback)
	r.Post("/interpret", h.handleInterpret)
}

func (h *Handler) handleGenerateTopics(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Interest string `json:"interest"`
		Minutes  int    `json:"minutes"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var topics []lesson.Topic
	if h.aiSvc != nil {
		topics = h.aiSvc.GenerateTopics(r.Context(), strings.TrimSpace(payload.Interest), payload.Minutes)
	} else {
		topics = lesson.FallbackTopics()
	}
	utils.RespondJSON(w, http.StatusOK, topics)
}

func (h *Handler) handleFallbackTopics(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		utils.RespondJSON(w, http.StatusOK, lesson.FallbackTopics())
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.catalog.Pick())
}

func (h *Handler) handleCreateLesson(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Topic   lesson.Topic `json:"topic"`
		TopicID int          `json:"topicId"`
		Minutes int          `json:"minutes"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	topic := payload.Topic
	if strings.TrimSpace(topic.Title) == "" && payload.TopicID > 0 && h.catalog != nil {
		if found, ok := h.catalog.FindByID(payload.TopicID); ok {
			topic = found
		}
	}
	if strings.TrimSpace(topic.Title) == "" {
		utils.RespondError(w, http.StatusBadRequest, "topic is required")
		return
	}

	minutes := payload.Minutes
	if minutes <= 0 {
		minutes = lessonService.DefaultMinutes
	}

	var content lesson.Content
	if h.aiSvc != nil {
		content = h.aiSvc.StartSession(r.Context(), topic, minutes)
	} else {
		content = lesson.FallbackContent(topic)
	}

	session, err := h.lessonsSvc.CreateSession(r.Context(), topic, minutes, content)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGetLesson(w http.ResponseWriter, r *http.Request) {
	session, err := h.lessonsSvc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondLessonError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleDiscardLesson(w http.ResponseWriter, r *http.Request) {
	h.lessonsSvc.Discard(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAssess(w http.ResponseWriter, r *http.Request) {
	if _, err := h.lessonsSvc.GetSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondLessonError(w, err)
		return
	}

	var payload struct {
		Target string `json:"target"`
		Spoken string `json:"spoken"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Target) == "" {
		utils.RespondError(w, http.StatusBadRequest, "target is required")
		return
	}

	utils.RespondJSON(w, http.StatusOK, h.assessor.Assess(r.Context(), payload.Target, payload.Spoken))
}

// handleFeedback 复盘会话。课程有语音连接时先停止（finish 时结束）其控制器，
// 使用控制器的最终历史；否则使用请求中的 history 或服务端保存的转写。
// finish 为 true 时同时结束课程并持久化记录。
func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var payload struct {
		History []chat.Utterance `json:"history"`
		Finish  bool             `json:"finish"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := h.lessonsSvc.GetSession(r.Context(), sessionID); err != nil {
		respondLessonError(w, err)
		return
	}

	history := payload.History
	if live, ok := h.settleVoice(sessionID, payload.Finish); ok {
		history = live
	} else if len(history) == 0 {
		stored, err := h.lessonsSvc.LoadTranscript(r.Context(), sessionID)
		if err != nil {
			respondLessonError(w, err)
			return
		}
		history = stored
	}

	feedback := h.assessor.ReviewSession(r.Context(), history)
	response := map[string]any{"feedback": feedback}

	if payload.Finish {
		record, err := h.lessonsSvc.Finish(r.Context(), sessionID, history, feedback)
		if err != nil && !errors.Is(err, lessonService.ErrSessionNotFound) {
			log.Printf("[lesson] failed to record session=%s: %v", sessionID, err)
		}
		if err == nil {
			response["record"] = record
		}
	}
	utils.RespondJSON(w, http.StatusOK, response)
}

// settleVoice stops the lesson's voice loop so the reviewed history is final.
func (h *Handler) settleVoice(sessionID string, finish bool) ([]chat.Utterance, bool) {
	if h.live == nil {
		return nil, false
	}
	if finish {
		return h.live.Finish(sessionID)
	}
	return h.live.Pause(sessionID)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	records, err := h.lessonsSvc.History(r.Context(), limit)
	if err != nil {
		log.Printf("[lesson] list history failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	utils.RespondJSON(w, http.StatusOK, records)
}

func (h *Handler) handleInterpret(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text   string `json:"text"`
		Source string `json:"source"`
		Target string `json:"target"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}
	if payload.Source == "" {
		payload.Source = "Korean"
	}
	if payload.Target == "" {
		payload.Target = "English"
	}

	translation := aiService.InterpretFallback
	if h.aiSvc != nil {
		translation = h.aiSvc.Interpret(r.Context(), payload.Text, payload.Source, payload.Target)
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"translation": translation})
}

func respondLessonError(w http.ResponseWriter, err error) {
	if errors.Is(err, lessonService.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	utils.RespondError(w, http.StatusInternalServerError, err.Error())
}
