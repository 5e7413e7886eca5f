package handler

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/speakup/backend/internal/config"
	lessonHandler "github.com/zhouzirui/speakup/backend/internal/handler/lesson"
	"github.com/zhouzirui/speakup/backend/internal/handler/proxy"
	settingsHandler "github.com/zhouzirui/speakup/backend/internal/handler/settings"
	speechHandler "github.com/zhouzirui/speakup/backend/internal/handler/speech"
	"github.com/zhouzirui/speakup/backend/internal/handler/stream"
	"github.com/zhouzirui/speakup/backend/internal/handler/voice"
	middlewarePkg "github.com/zhouzirui/speakup/backend/internal/middleware"
	lessonModel "github.com/zhouzirui/speakup/backend/internal/model/lesson"
	aiService "github.com/zhouzirui/speakup/backend/internal/service/ai"
	"github.com/zhouzirui/speakup/backend/internal/service/assessment"
	lessonService "github.com/zhouzirui/speakup/backend/internal/service/lesson"
	settingsService "github.com/zhouzirui/speakup/backend/internal/service/settings"
	speechService "github.com/zhouzirui/speakup/backend/internal/service/speech"
	"github.com/zhouzirui/speakup/backend/internal/service/turn"
	"github.com/zhouzirui/speakup/backend/pkg/utils"
)

// Pinger 用于健康检查的存储探活。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps 汇总路由需要的服务。AI、Speech 与 Store 可以为 nil。
type Deps struct {
	Config   *config.Config
	AI       *aiService.Service
	Assessor *assessment.Service
	Speech   *speechService.Service
	Lessons  *lessonService.Service
	Settings *settingsService.Store
	Catalog  lessonModel.Catalog
	Store    Pinger
	Hub      *voice.Hub
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.Config.Server.AllowedOrigins))

	r.Get("/healthz", handleHealth(deps.Store))

	voiceOpts := voice.Options{Turn: deps.Config.Turn}
	var speechSvc speechHandler.SpeechService
	var voices speechHandler.VoiceSource
	// 接口变量只在服务存在时赋值，避免持有带类型的 nil
	if deps.AI != nil {
		voiceOpts.Dialogue = deps.AI
	}
	if deps.Speech != nil {
		voiceOpts.Transcriber = deps.Speech
		voiceOpts.Synthesizer = deps.Speech
		speechSvc = deps.Speech
	}
	if deps.Settings != nil {
		voices = deps.Settings
	}
	voiceHandler := voice.New(deps.Lessons, deps.Settings, deps.Assessor, deps.Hub, voiceOpts)

	r.Route("/api", func(api chi.Router) {
		lessonHandler.New(deps.AI, deps.Assessor, deps.Lessons, deps.Catalog, voiceHandler.Hub()).RegisterRoutes(api)
		settingsHandler.New(deps.Settings).RegisterRoutes(api)
		stream.New(deps.AI, deps.Lessons, voiceHandler.Hub()).RegisterRoutes(api)
		voiceHandler.RegisterRoutes(api)
		speechHandler.New(speechSvc, voices).RegisterRoutes(api)

		if deps.Config.Server.ProxyEnabled {
			proxy.New(proxy.Config{
				APIKey:             deps.Config.AI.APIKey,
				BaseURL:            deps.Config.AI.BaseURL,
				ChatModel:          deps.Config.AI.Model,
				TTSModel:           deps.Config.Speech.TTSModel,
				TranscriptionModel: deps.Config.Speech.TranscriptionModel,
			}).RegisterRoutes(api)
		}
	})

	return r
}

// handleHealth reports liveness and, when persistence is on, database reachability.
func handleHealth(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		}
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				log.Printf("[health] store ping failed: %v", err)
				status["status"] = "degraded"
				status["store"] = err.Error()
				utils.RespondJSON(w, http.StatusServiceUnavailable, status)
				return
			}
			status["store"] = "ok"
		}
		utils.RespondJSON(w, http.StatusOK, status)
	}
}

var _ stream.EventSource = (*voice.Hub)(nil)
var _ lessonHandler.LiveSessions = (*voice.Hub)(nil)

var _ turn.Dialogue = (*aiService.Service)(nil)
