package speech

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/speakup/backend/internal/model/speech"
	speechsvc "github.com/zhouzirui/speakup/backend/internal/service/speech"
	"github.com/zhouzirui/speakup/backend/pkg/utils"
)

// maxUploadBytes 与 Whisper 上传上限一致。
const maxUploadBytes = 25 << 20

// SpeechService 抽象语音业务，便于测试与替换实现
type SpeechService interface {
	TranscribeAudio(ctx context.Context, req *speech.ASRRequest) (*speech.ASRResponse, error)
	SynthesizeToBuffer(ctx context.Context, sessionID, text string, voice speech.VoiceConfig, format string) (*speech.TTSResponse, error)
}

// VoiceSource 提供当前的播放设置，通常是 settings.Store。
type VoiceSource interface {
	VoiceConfig() speech.VoiceConfig
}

// Handler 语音服务的HTTP处理器
type Handler struct {
	speechSvc SpeechService
	voices    VoiceSource
}

// New 创建语音处理器。speechSvc 为 nil 时所有端点返回 503。
func New(speechSvc SpeechService, voices VoiceSource) *Handler {
	return &Handler{speechSvc: speechSvc, voices: voices}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/speech", func(speechRouter chi.Router) {
		speechRouter.Post("/transcribe", h.handleTranscribe)
		speechRouter.Post("/transcribe/{sessionID}", h.handleTranscribeWithSession)

		speechRouter.Post("/synthesize", h.handleSynthesize)
		speechRouter.Post("/synthesize/{sessionID}", h.handleSynthesizeWithSession)

		speechRouter.Get("/health", h.handleHealth)
	})
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	h.processTranscribe(w, r, "")
}

func (h *Handler) handleTranscribeWithSession(w http.ResponseWriter, r *http.Request) {
	h.processTranscribe(w, r, chi.URLParam(r, "sessionID"))
}

func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	h.processSynthesize(w, r, "")
}

func (h *Handler) handleSynthesizeWithSession(w http.ResponseWriter, r *http.Request) {
	h.processSynthesize(w, r, chi.URLParam(r, "sessionID"))
}

// processTranscribe 处理离散模式上传的整段录音
func (h *Handler) processTranscribe(w http.ResponseWriter, r *http.Request, overrideSessionID string) {
	if h.speechSvc == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "speech service not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	sessionID := overrideSessionID
	if sessionID == "" {
		sessionID = r.FormValue("sessionId")
	}

	resp, err := h.speechSvc.TranscribeAudio(r.Context(), &speech.ASRRequest{
		SessionID: sessionID,
		AudioData: file,
		Format:    inferAudioFormat(header.Filename),
		Language:  r.FormValue("language"),
	})
	if err != nil {
		log.Printf("[speech] ASR error session=%s: %v", sessionID, err)
		utils.RespondError(w, http.StatusBadGateway, "speech recognition failed")
		return
	}

	resp.Text = strings.TrimSpace(resp.Text)
	utils.RespondJSON(w, http.StatusOK, resp)
}

type synthesizeRequest struct {
	Text         string `json:"text"`
	Voice        string `json:"voice"`
	SpeedPercent int    `json:"speedPercent"`
	RateLabel    string `json:"rateLabel"`
	Format       string `json:"format"`
}

// processSynthesize 合成一段导师语音，缺省声音取自当前设置
func (h *Handler) processSynthesize(w http.ResponseWriter, r *http.Request, sessionID string) {
	if h.speechSvc == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "speech service not configured")
		return
	}

	var req synthesizeRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		if errors.Is(err, io.EOF) {
			utils.RespondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	resp, err := h.speechSvc.SynthesizeToBuffer(r.Context(), sessionID, req.Text, h.resolveVoice(req), req.Format)
	if err != nil {
		log.Printf("[speech] TTS error session=%s: %v", sessionID, err)
		utils.RespondError(w, http.StatusBadGateway, "speech synthesis failed")
		return
	}

	format := resp.Format
	if format == "" || format == "mp3" {
		format = "mpeg"
	}
	w.Header().Set("Content-Type", "audio/"+format)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.AudioData)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.AudioData); err != nil {
		log.Printf("[speech] failed to write audio response: %v", err)
	}
}

// resolveVoice 合并请求字段与当前设置，请求字段优先
func (h *Handler) resolveVoice(req synthesizeRequest) speech.VoiceConfig {
	var voice speech.VoiceConfig
	if h.voices != nil {
		voice = h.voices.VoiceConfig()
	}
	if strings.TrimSpace(req.Voice) != "" {
		voice.Voice = speechsvc.NormalizeVoice(req.Voice)
	}
	if req.SpeedPercent > 0 {
		voice.SpeedPercent = req.SpeedPercent
	}
	if req.RateLabel != "" && speechsvc.ValidRateLabel(req.RateLabel) {
		voice.RateLabel = req.RateLabel
	}
	return voice
}

// handleHealth 健康检查端点
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.speechSvc == nil {
		status = "disabled"
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"service": "speech",
	})
}

// inferAudioFormat 从文件名推断音频格式
func inferAudioFormat(filename string) string {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".mp3", ".wav", ".webm", ".m4a", ".aac", ".ogg":
		return strings.TrimPrefix(ext, ".")
	default:
		return "webm"
	}
}
