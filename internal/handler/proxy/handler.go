// Package proxy relays browser calls to the OpenAI API with the server-held
// credential, so no key is shipped to the client.
package proxy

import (
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	openai "github.com/sashabaranov/go-openai"

	speechService "github.com/zhouzirui/speakup/backend/internal/service/speech"
	"github.com/zhouzirui/speakup/backend/pkg/utils"
)

// maxUploadBytes 限制转写上传的音频大小。
const maxUploadBytes = 25 << 20

// Config 描述代理使用的上游参数。
type Config struct {
	APIKey             string
	BaseURL            string
	ChatModel          string
	TTSModel           string
	TranscriptionModel string
}

// Handler 代理处理器
type Handler struct {
	client *openai.Client
	cfg    Config
}

// New 创建代理处理器。APIKey 为空时所有请求返回 500。
func New(cfg Config) *Handler {
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = openai.Whisper1
	}

	h := &Handler{cfg: cfg}
	if cfg.APIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		h.client = openai.NewClientWithConfig(clientCfg)
	}
	return h
}

// RegisterRoutes 注册代理路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/openai/chat/completions", h.post(h.handleChat))
	r.HandleFunc("/openai/audio/speech", h.post(h.handleSpeech))
	r.HandleFunc("/openai/audio/transcriptions", h.post(h.handleTranscription))
	// 旧版前端使用的别名
	r.HandleFunc("/proxy", h.post(h.handleChat))
}

// post 处理 CORS 预检与方法校验，并在缺少凭证时直接返回 500。
func (h *Handler) post(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS,PATCH,DELETE,POST,PUT")
		w.Header().Set("Access-Control-Allow-Headers", "X-CSRF-Token, X-Requested-With, Accept, Accept-Version, Content-Length, Content-MD5, Content-Type, Date, X-Api-Version")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPost {
			utils.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if h.client == nil {
			log.Printf("[proxy] missing OPENAI_API_KEY for %s", r.URL.Path)
			utils.RespondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "Server configuration error: Missing API Key",
				"hint":  "Set OPENAI_API_KEY in the server environment",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		req.Model = h.cfg.ChatModel
	}
	req.Stream = false

	resp, err := h.client.CreateChatCompletion(r.Context(), req)
	if err != nil {
		log.Printf("[proxy] chat completion failed: %v", err)
		utils.RespondErrorDetail(w, http.StatusInternalServerError, "Error processing request", err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text  string `json:"text"`
		Input string `json:"input"`
		Voice string `json:"voice"`
		Speed any    `json:"speed"`
		Model string `json:"model"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	text := payload.Text
	if text == "" {
		text = payload.Input
	}
	if strings.TrimSpace(text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}
	model := payload.Model
	if model == "" {
		model = h.cfg.TTSModel
	}

	raw, err := h.client.CreateSpeech(r.Context(), openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(model),
		Input:          text,
		Voice:          openai.SpeechVoice(speechService.NormalizeVoice(payload.Voice)),
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          parseSpeed(payload.Speed),
	})
	if err != nil {
		log.Printf("[proxy] speech failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer raw.Close()

	audio, err := io.ReadAll(raw)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		log.Printf("[proxy] write speech audio failed: %v", err)
	}
}

func (h *Handler) handleTranscription(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "No audio file provided")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()

	model := r.FormValue("model")
	if model == "" {
		model = h.cfg.TranscriptionModel
	}

	resp, err := h.client.CreateTranscription(r.Context(), openai.AudioRequest{
		Model:    model,
		FilePath: header.Filename,
		Reader:   file,
		Language: r.FormValue("language"),
	})
	if err != nil {
		log.Printf("[proxy] transcription failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// parseSpeed 接受数字或字符串形式的语速，无法解析时为 1.0。
func parseSpeed(raw any) float64 {
	switch v := raw.(type) {
	case float64:
		if v > 0 {
			return v
		}
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 1.0
}

// Enabled reports whether a server credential is configured.
func (h *Handler) Enabled() bool {
	return h.client != nil
}
